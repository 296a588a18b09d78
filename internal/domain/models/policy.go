package models

import (
	"math"
	"strings"
	"time"

	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// BandwidthDef is one limit window of a bucket.
type BandwidthDef struct {
	Limit          int64                    `yaml:"limit" json:"limit"`
	WindowSeconds  int64                    `yaml:"windowSeconds" json:"windowSeconds"`
	RefillStrategy constants.RefillStrategy `yaml:"refillStrategy" json:"refillStrategy"`
}

// Window returns the refill window as a duration.
func (b BandwidthDef) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// Scaled returns a copy with limit reduced to max(1, floor(limit*factor)).
// Factors above 1 are clamped so scaling never loosens a limit.
func (b BandwidthDef) Scaled(factor float64) BandwidthDef {
	if factor > 1 {
		factor = 1
	}
	scaled := int64(math.Floor(float64(b.Limit) * factor))
	if scaled < 1 {
		scaled = 1
	}
	b.Limit = scaled
	return b
}

// ScaleBandwidths applies Scaled to every bandwidth.
func ScaleBandwidths(bandwidths []BandwidthDef, factor float64) []BandwidthDef {
	out := make([]BandwidthDef, len(bandwidths))
	for i, bw := range bandwidths {
		out[i] = bw.Scaled(factor)
	}
	return out
}

// MatchRule selects requests by method and path glob.
type MatchRule struct {
	Methods []string `yaml:"methods" json:"methods"`
	Paths   []string `yaml:"paths" json:"paths"`
}

// CostOverride charges Tokens for requests matching Path and, when set, Method.
type CostOverride struct {
	Path   string `yaml:"path" json:"path"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	Tokens int64  `yaml:"tokens" json:"tokens"`
}

// Policy maps a (tier, method, path) match to bandwidths and cost overrides.
// An empty Tier applies to every tier.
type Policy struct {
	ID         string         `yaml:"id" json:"id"`
	Tier       string         `yaml:"tier,omitempty" json:"tier,omitempty"`
	Match      MatchRule      `yaml:"match" json:"match"`
	Bandwidths []BandwidthDef `yaml:"bandwidths" json:"bandwidths"`
	Costs      []CostOverride `yaml:"costs,omitempty" json:"costs,omitempty"`
}

// MostRestrictiveLimit returns the smallest configured limit.
func (p *Policy) MostRestrictiveLimit() int64 {
	var min int64
	for i, bw := range p.Bandwidths {
		if i == 0 || bw.Limit < min {
			min = bw.Limit
		}
	}
	return min
}

// LimitHeader renders the bandwidths as "<limit>;w=<seconds>" joined by commas.
func (p *Policy) LimitHeader() string {
	parts := make([]string, 0, len(p.Bandwidths))
	for _, bw := range p.Bandwidths {
		parts = append(parts, formatInt(bw.Limit)+";w="+formatInt(bw.WindowSeconds))
	}
	return strings.Join(parts, ",")
}

func (p *Policy) applyDefaults() {
	for i := range p.Bandwidths {
		if p.Bandwidths[i].RefillStrategy == "" {
			p.Bandwidths[i].RefillStrategy = constants.RefillSmooth
		}
		p.Bandwidths[i].RefillStrategy = constants.RefillStrategy(strings.ToLower(string(p.Bandwidths[i].RefillStrategy)))
	}
	for i := range p.Costs {
		if p.Costs[i].Tokens == 0 {
			p.Costs[i].Tokens = constants.DefaultTokenCost
		}
	}
}

// RateLimitConfig is the process-wide rate limit configuration.
// It is loaded and validated once at startup and treated as immutable afterwards.
type RateLimitConfig struct {
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	TrustProxies    bool              `yaml:"trustProxies" json:"trustProxies"`
	KeyPrefix       string            `yaml:"keyPrefix" json:"keyPrefix"`
	DefaultTier     string            `yaml:"defaultTier" json:"defaultTier"`
	WhitelistPaths  []string          `yaml:"whitelistPaths" json:"whitelistPaths"`
	APIKeyTiers     map[string]string `yaml:"apiKeyTiers" json:"-"`
	APIKeyHeader    string            `yaml:"apiKeyHeader" json:"apiKeyHeader"`
	ForwardedHeader string            `yaml:"forwardedHeader" json:"forwardedHeader"`
	FallbackFactor  float64           `yaml:"fallbackFactor" json:"fallbackFactor"`
	KeyTTLSeconds   int64             `yaml:"keyTtlSeconds" json:"keyTtlSeconds"`
	Policies        []Policy          `yaml:"policies" json:"policies"`
	DefaultPolicy   *Policy           `yaml:"defaultPolicy" json:"defaultPolicy"`
}

// NewDefaultRateLimitConfig returns the configuration used when a document omits a field.
func NewDefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:         true,
		TrustProxies:    false,
		KeyPrefix:       constants.DefaultKeyPrefix,
		DefaultTier:     constants.DefaultTier,
		WhitelistPaths:  append([]string(nil), constants.DefaultWhitelistPaths...),
		APIKeyTiers:     map[string]string{},
		APIKeyHeader:    constants.DefaultAPIKeyHeader,
		ForwardedHeader: constants.DefaultForwardedHeader,
		FallbackFactor:  constants.DefaultFallbackFactor,
		KeyTTLSeconds:   constants.DefaultKeyTTLSeconds,
	}
}

// ApplyDefaults fills strategy and cost defaults on every policy.
func (c *RateLimitConfig) ApplyDefaults() {
	for i := range c.Policies {
		c.Policies[i].applyDefaults()
	}
	if c.DefaultPolicy != nil {
		c.DefaultPolicy.applyDefaults()
		if c.DefaultPolicy.ID == "" {
			c.DefaultPolicy.ID = "default"
		}
	}
	if c.APIKeyTiers == nil {
		c.APIKeyTiers = map[string]string{}
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = constants.DefaultAPIKeyHeader
	}
	if c.ForwardedHeader == "" {
		c.ForwardedHeader = constants.DefaultForwardedHeader
	}
}

// KeyTTL returns the distributed bucket expiry.
func (c *RateLimitConfig) KeyTTL() time.Duration {
	return time.Duration(c.KeyTTLSeconds) * time.Second
}

// TierFor returns the tier of apiKey, or the default tier for unknown keys.
func (c *RateLimitConfig) TierFor(apiKey string) string {
	if apiKey != "" {
		if tier, ok := c.APIKeyTiers[apiKey]; ok && tier != "" {
			return tier
		}
	}
	return c.DefaultTier
}
