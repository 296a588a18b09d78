package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
)

func TestBuildKey(t *testing.T) {
	assert.Equal(t, "ratelimit:pro:key:abc:POST:/api/users/{id}/orders/{id}",
		BuildKey("ratelimit:", "pro", "key:abc", "post", "/api/users/12/orders/345"))
	assert.Equal(t, "rl:default:ip:10.0.0.1:GET:/api/v2/items",
		BuildKey("rl:", "default", "ip:10.0.0.1", "GET", "/api/v2/items"))
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/users/42":     "/api/users/{id}",
		"/api/users/42a":    "/api/users/42a",
		"/api/v1/7/8":       "/api/v1/{id}/{id}",
		"/":                 "/",
		"/api/users/42/":    "/api/users/{id}/",
		"/api/-1/negatives": "/api/-1/negatives",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePath(in), in)
	}
}

func TestResolveSubject(t *testing.T) {
	tests := []struct {
		name    string
		req     models.RequestInfo
		trusted bool
		want    string
	}{
		{"api key wins", models.RequestInfo{APIKey: " k1 ", RemoteAddr: "192.0.2.1:80"}, true, "key:k1"},
		{"remote address without port", models.RequestInfo{RemoteAddr: "192.0.2.1:5555"}, false, "ip:192.0.2.1"},
		{"ipv6 remote address", models.RequestInfo{RemoteAddr: "[2001:db8::1]:443"}, false, "ip:2001:db8::1"},
		{"forwarded ignored when untrusted", models.RequestInfo{RemoteAddr: "10.0.0.1:1", ForwardedFor: "203.0.113.9"}, false, "ip:10.0.0.1"},
		{"first forwarded hop when trusted", models.RequestInfo{RemoteAddr: "10.0.0.1:1", ForwardedFor: " 203.0.113.9 , 10.0.0.2"}, true, "ip:203.0.113.9"},
		{"empty forwarded hop falls back", models.RequestInfo{RemoteAddr: "10.0.0.1:1", ForwardedFor: " ,10.0.0.2"}, true, "ip:10.0.0.1"},
		{"anonymous", models.RequestInfo{}, true, "anon:unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveSubject(&tt.req, tt.trusted))
		})
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "unknown", Sanitize(""))
	assert.Equal(t, "key:abc-DEF_123", Sanitize("key:abc-DEF_123"))
	assert.Equal(t, "ip:192?0?2?1", Sanitize("ip:192.0.2.1"))
	assert.Equal(t, "a??b", Sanitize("a\r\nb"))
	assert.Equal(t, "?", Sanitize("é"), "multi-byte runes map to a single placeholder")
}
