package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathPattern_Match(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/**", "/api/users/1/orders", true},
		{"/api/**", "/api", true},
		{"/api/**", "/apix", false},
		{"/api/*", "/api/users", true},
		{"/api/*", "/api/users/1", false},
		{"/api/*/orders", "/api/7/orders", true},
		{"/api/**/orders", "/api/orders", true},
		{"/api/**/orders", "/api/a/b/orders", true},
		{"/**", "/", true},
		{"/**", "/anything/at/all", true},
		{"/", "/", true},
		{"/", "/api", false},
		{"/metrics", "/metrics/extra", false},
		{"/health/**", "/health/ready", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			p, err := CompilePathPattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.path))
		})
	}
}

func TestCompilePathPattern_Empty(t *testing.T) {
	_, err := CompilePathPattern("")
	assert.Error(t, err)
	assert.Panics(t, func() { MustCompilePathPattern("") })
}

func TestPathMatcher_MatchAny(t *testing.T) {
	m, err := CompilePathMatcher([]string{"/health/**", "/metrics"})
	require.NoError(t, err)
	assert.True(t, m.MatchAny("/health/live"))
	assert.True(t, m.MatchAny("/metrics"))
	assert.False(t, m.MatchAny("/api/x"))

	_, err = CompilePathMatcher([]string{"/ok", ""})
	assert.Error(t, err)
}
