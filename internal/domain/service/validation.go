package service

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
)

// ValidateConfig checks cfg and reports every violation at once as a configuration_error.
func ValidateConfig(cfg *models.RateLimitConfig) error {
	if cfg == nil {
		return errors.Configuration("rate limit configuration is missing", nil)
	}
	var errs error

	if cfg.FallbackFactor <= 0 || cfg.FallbackFactor > 1 {
		errs = multierr.Append(errs, fmt.Errorf("fallbackFactor must be in (0,1], got %v", cfg.FallbackFactor))
	}
	if cfg.KeyTTLSeconds <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("keyTtlSeconds must be > 0, got %d", cfg.KeyTTLSeconds))
	}
	if strings.TrimSpace(cfg.DefaultTier) == "" {
		errs = multierr.Append(errs, fmt.Errorf("defaultTier must not be empty"))
	}
	for _, raw := range cfg.WhitelistPaths {
		if _, err := CompilePathPattern(raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("whitelistPaths: %w", err))
		}
	}

	for i := range cfg.Policies {
		p := &cfg.Policies[i]
		name := p.ID
		if name == "" {
			name = fmt.Sprintf("policies[%d]", i)
			errs = multierr.Append(errs, fmt.Errorf("%s: id must not be empty", name))
		}
		errs = multierr.Append(errs, validatePolicy(name, p))
	}

	if cfg.DefaultPolicy == nil {
		errs = multierr.Append(errs, fmt.Errorf("defaultPolicy is required"))
	} else {
		errs = multierr.Append(errs, validatePolicy("defaultPolicy", cfg.DefaultPolicy))
		errs = multierr.Append(errs, validateDefaultCoverage(cfg.DefaultPolicy))
	}

	if errs != nil {
		return errors.Configuration("invalid rate limit configuration", errs)
	}
	return nil
}

func validatePolicy(name string, p *models.Policy) error {
	var errs error
	if len(p.Match.Methods) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: match.methods must not be empty", name))
	}
	if len(p.Match.Paths) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: match.paths must not be empty", name))
	}
	for _, raw := range p.Match.Paths {
		if _, err := CompilePathPattern(raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(p.Bandwidths) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: at least one bandwidth is required", name))
	}
	for i, bw := range p.Bandwidths {
		if bw.Limit <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: bandwidths[%d].limit must be > 0", name, i))
		}
		if bw.WindowSeconds <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: bandwidths[%d].windowSeconds must be > 0", name, i))
		}
		switch bw.RefillStrategy {
		case constants.RefillSmooth, constants.RefillInterval:
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: bandwidths[%d].refillStrategy %q is not smooth or interval", name, i, bw.RefillStrategy))
		}
	}
	for i, c := range p.Costs {
		if c.Tokens <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: costs[%d].tokens must be > 0", name, i))
		}
		if _, err := CompilePathPattern(c.Path); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: costs[%d]: %w", name, i, err))
		}
	}
	return errs
}

func validateDefaultCoverage(p *models.Policy) error {
	var errs error
	have := make(map[string]bool, len(p.Match.Methods))
	for _, m := range p.Match.Methods {
		have[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	for _, required := range constants.RequiredDefaultPolicyMethods {
		if !have[required] {
			errs = multierr.Append(errs, fmt.Errorf("defaultPolicy: match.methods must include %s", required))
		}
	}
	paths, err := CompilePathMatcher(p.Match.Paths)
	if err == nil && !paths.MatchAny(constants.DefaultPolicyProbePath) {
		errs = multierr.Append(errs, fmt.Errorf("defaultPolicy: match.paths must match %s", constants.DefaultPolicyProbePath))
	}
	return errs
}
