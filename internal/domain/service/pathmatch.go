package service

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// PathPattern is a compiled Ant-style path glob.
// "*" matches within one segment, "**" matches across segments,
// and a trailing "/**" also matches the bare prefix.
type PathPattern struct {
	raw   string
	globs []glob.Glob
}

// CompilePathPattern compiles pattern with '/' as the segment separator.
func CompilePathPattern(pattern string) (*PathPattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty path pattern")
	}
	p := &PathPattern{raw: pattern}
	for _, variant := range patternVariants(pattern) {
		g, err := glob.Compile(variant, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// MustCompilePathPattern panics on an invalid pattern. Intended for tests and constants.
func MustCompilePathPattern(pattern string) *PathPattern {
	p, err := CompilePathPattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether path matches the pattern.
func (p *PathPattern) Match(path string) bool {
	for _, g := range p.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func (p *PathPattern) String() string {
	return p.raw
}

// "/**/" may stand for zero segments and "/x/**" must match "/x".
func patternVariants(pattern string) []string {
	variants := []string{pattern}
	if strings.Contains(pattern, "/**/") {
		variants = append(variants, strings.ReplaceAll(pattern, "/**/", "/"))
	}
	for _, v := range variants {
		if strings.HasSuffix(v, "/**") {
			trimmed := strings.TrimSuffix(v, "/**")
			if trimmed == "" {
				trimmed = "/"
			}
			variants = append(variants, trimmed)
		}
	}
	return variants
}

// PathMatcher matches a path against an ordered set of patterns.
type PathMatcher []*PathPattern

// CompilePathMatcher compiles every pattern, failing on the first invalid one.
func CompilePathMatcher(patterns []string) (PathMatcher, error) {
	m := make(PathMatcher, 0, len(patterns))
	for _, raw := range patterns {
		p, err := CompilePathPattern(raw)
		if err != nil {
			return nil, err
		}
		m = append(m, p)
	}
	return m, nil
}

// MatchAny reports whether any pattern matches path.
func (m PathMatcher) MatchAny(path string) bool {
	for _, p := range m {
		if p.Match(path) {
			return true
		}
	}
	return false
}
