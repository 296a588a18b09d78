package service

import (
	"fmt"
	"strings"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// CompiledPolicy is a Policy with its globs compiled for matching.
type CompiledPolicy struct {
	*models.Policy

	methods map[string]struct{}
	paths   PathMatcher
	costs   []compiledCost
}

type compiledCost struct {
	method  string
	pattern *PathPattern
	tokens  int64
}

func compilePolicy(p *models.Policy) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{Policy: p, methods: make(map[string]struct{}, len(p.Match.Methods))}
	for _, m := range p.Match.Methods {
		cp.methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	paths, err := CompilePathMatcher(p.Match.Paths)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", p.ID, err)
	}
	cp.paths = paths
	for _, c := range p.Costs {
		pattern, err := CompilePathPattern(c.Path)
		if err != nil {
			return nil, fmt.Errorf("policy %q cost: %w", p.ID, err)
		}
		cp.costs = append(cp.costs, compiledCost{
			method:  strings.ToUpper(strings.TrimSpace(c.Method)),
			pattern: pattern,
			tokens:  c.Tokens,
		})
	}
	return cp, nil
}

// Matches reports whether the policy applies to method, path and tier.
func (cp *CompiledPolicy) Matches(method, path, tier string) bool {
	if cp.Tier != "" && !strings.EqualFold(cp.Tier, tier) {
		return false
	}
	if _, ok := cp.methods[strings.ToUpper(method)]; !ok {
		return false
	}
	return cp.paths.MatchAny(path)
}

// PolicyMatcher selects the first declared policy matching a request.
type PolicyMatcher struct {
	policies      []*CompiledPolicy
	defaultPolicy *CompiledPolicy
}

// NewPolicyMatcher compiles policies in declared order. defaultPolicy is required.
func NewPolicyMatcher(policies []models.Policy, defaultPolicy *models.Policy) (*PolicyMatcher, error) {
	if defaultPolicy == nil {
		return nil, fmt.Errorf("default policy is required")
	}
	m := &PolicyMatcher{policies: make([]*CompiledPolicy, 0, len(policies))}
	for i := range policies {
		cp, err := compilePolicy(&policies[i])
		if err != nil {
			return nil, err
		}
		m.policies = append(m.policies, cp)
	}
	def, err := compilePolicy(defaultPolicy)
	if err != nil {
		return nil, err
	}
	m.defaultPolicy = def
	return m, nil
}

// SelectPolicy returns the first matching policy, or the default policy.
func (m *PolicyMatcher) SelectPolicy(method, path, tier string) *CompiledPolicy {
	for _, p := range m.policies {
		if p.Matches(method, path, tier) {
			return p
		}
	}
	return m.defaultPolicy
}

// ComputeCost returns the tokens of the first matching cost override, or 1.
func (m *PolicyMatcher) ComputeCost(policy *CompiledPolicy, method, path string) int64 {
	method = strings.ToUpper(method)
	for _, c := range policy.costs {
		if c.method != "" && c.method != method {
			continue
		}
		if c.pattern.Match(path) {
			return c.tokens
		}
	}
	return constants.DefaultTokenCost
}
