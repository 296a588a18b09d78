package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// PolicyWatcher re-validates the policy file when it changes on disk.
// The running engine keeps its startup configuration; changes only take
// effect after a restart, and the watcher says so.
type PolicyWatcher struct {
	path     string
	logger   logger.Logger
	onChange func(*models.RateLimitConfig, error)
}

// NewPolicyWatcher creates a watcher for path. onChange may be nil.
func NewPolicyWatcher(path string, log logger.Logger, onChange func(*models.RateLimitConfig, error)) *PolicyWatcher {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &PolicyWatcher{
		path:     filepath.Clean(path),
		logger:   log.WithComponent("policy_watcher"),
		onChange: onChange,
	}
}

// Run blocks until ctx is cancelled. The parent directory is watched so that
// editors replacing the file by rename are still observed.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Configuration("create policy file watcher", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errors.Configuration("watch policy directory", err).WithMetadata("path", w.path)
	}
	w.logger.Info(ctx, "watching rate limit policy file", logger.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(ctx, "policy file watcher error", err)
		}
	}
}

func (w *PolicyWatcher) reload(ctx context.Context) {
	cfg, err := LoadPolicyFile(w.path)
	if err != nil {
		w.logger.Error(ctx, "changed rate limit policy file is invalid", err, logger.String("path", w.path))
	} else {
		w.logger.Warn(ctx, "rate limit policy file changed, restart required to apply",
			logger.String("path", w.path),
			logger.Int("policies", len(cfg.Policies)),
		)
	}
	if w.onChange != nil {
		w.onChange(cfg, err)
	}
}
