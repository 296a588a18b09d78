package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
)

type policyDocument struct {
	RateLimit *models.RateLimitConfig `yaml:"ratelimit"`
}

// LoadPolicyFile reads and validates the rate limit document at path.
func LoadPolicyFile(path string) (*models.RateLimitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Configuration("read rate limit policy file", err).WithMetadata("path", path)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a document rooted at `ratelimit:`. Unknown fields are
// rejected and omitted fields keep their defaults. The result is validated.
func ParsePolicy(data []byte) (*models.RateLimitConfig, error) {
	doc := policyDocument{RateLimit: models.NewDefaultRateLimitConfig()}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.Configuration("decode rate limit policy", err)
	}
	if doc.RateLimit == nil {
		return nil, errors.Configuration("rate limit policy document has an empty ratelimit section", nil)
	}

	doc.RateLimit.ApplyDefaults()
	if err := service.ValidateConfig(doc.RateLimit); err != nil {
		return nil, err
	}
	return doc.RateLimit, nil
}

// MergeAPIKeyTiers overlays externally sourced key tiers onto cfg. External
// entries win over ones declared in the document.
func MergeAPIKeyTiers(cfg *models.RateLimitConfig, tiers map[string]string) int {
	if cfg.APIKeyTiers == nil {
		cfg.APIKeyTiers = make(map[string]string, len(tiers))
	}
	merged := 0
	for key, tier := range tiers {
		if key == "" || tier == "" {
			continue
		}
		cfg.APIKeyTiers[key] = tier
		merged++
	}
	return merged
}
