// Package secrets loads API key tier assignments from HashiCorp Vault.
package secrets

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

var _ service.TierSource = (*VaultTierSource)(nil)

// VaultTierSource reads a KVv2 secret whose keys are API keys and whose
// values are tier names.
type VaultTierSource struct {
	client    *vault.Client
	mountPath string
	path      string
	attempts  uint64
	logger    logger.Logger
}

// NewVaultTierSource creates a token-authenticated Vault client for cfg.
func NewVaultTierSource(cfg config.VaultConfig, log logger.Logger) (*VaultTierSource, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	vaultConfig.MaxRetries = 0

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, errors.Configuration("create vault client", err)
	}
	client.SetToken(cfg.Token)
	return NewVaultTierSourceWithClient(client, cfg, log), nil
}

// NewVaultTierSourceWithClient uses an already configured client.
func NewVaultTierSourceWithClient(client *vault.Client, cfg config.VaultConfig, log logger.Logger) *VaultTierSource {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}
	return &VaultTierSource{
		client:    client,
		mountPath: mount,
		path:      cfg.APIKeyTiersPath,
		attempts:  3,
		logger:    log.WithComponent("VaultTierSource"),
	}
}

// LoadAPIKeyTiers fetches the tier map, retrying transient failures.
// Entries whose value is not a non-empty string are skipped.
func (s *VaultTierSource) LoadAPIKeyTiers(ctx context.Context) (map[string]string, error) {
	var secret *vault.KVSecret
	op := func() error {
		var err error
		secret, err = s.client.KVv2(s.mountPath).Get(ctx, s.path)
		if err != nil {
			if errors.Is(err, vault.ErrSecretNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.attempts-1), ctx)); err != nil {
		return nil, errors.Configuration("load api key tiers from vault", err).
			WithMetadata("mount", s.mountPath).
			WithMetadata("path", s.path)
	}

	tiers := make(map[string]string, len(secret.Data))
	skipped := 0
	for key, raw := range secret.Data {
		tier, ok := raw.(string)
		if !ok || tier == "" || key == "" {
			skipped++
			continue
		}
		tiers[key] = tier
	}
	s.logger.Info(ctx, "loaded api key tiers from vault",
		logger.String("path", s.path),
		logger.Int("keys", len(tiers)),
		logger.Int("skipped", skipped),
	)
	return tiers, nil
}
