package service

import (
	"net"
	"strings"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// BuildKey derives the bucket key prefix+tier:subject:method:normalizedPath.
func BuildKey(prefix, tier, subject, method, path string) string {
	var b strings.Builder
	normalized := NormalizePath(path)
	b.Grow(len(prefix) + len(tier) + len(subject) + len(method) + len(normalized) + 3)
	b.WriteString(prefix)
	b.WriteString(tier)
	b.WriteByte(':')
	b.WriteString(subject)
	b.WriteByte(':')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(normalized)
	return b.String()
}

// NormalizePath replaces purely numeric segments with {id}.
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if isNumeric(s) {
			segments[i] = constants.PathIDPlaceholder
		}
	}
	return strings.Join(segments, "/")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ResolveSubject identifies the caller by API key, then address, then anonymously.
// The forwarded-for value is honored only when trustProxies is set.
func ResolveSubject(req *models.RequestInfo, trustProxies bool) string {
	if key := strings.TrimSpace(req.APIKey); key != "" {
		return constants.SubjectPrefixAPIKey + key
	}
	if trustProxies && req.ForwardedFor != "" {
		first := req.ForwardedFor
		if i := strings.IndexByte(first, ','); i >= 0 {
			first = first[:i]
		}
		if first = strings.TrimSpace(first); first != "" {
			return constants.SubjectPrefixIP + first
		}
	}
	if addr := hostOnly(req.RemoteAddr); addr != "" {
		return constants.SubjectPrefixIP + addr
	}
	return constants.AnonymousSubject
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Sanitize replaces every character outside [a-zA-Z0-9:_-] with '?'.
// An empty value becomes "unknown".
func Sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			return r
		default:
			return '?'
		}
	}, s)
}
