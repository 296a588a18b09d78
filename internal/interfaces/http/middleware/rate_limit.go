// Package middleware holds the HTTP admission, tracing and request plumbing shared by the gateway router.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// Decider makes admission decisions. *service.Engine implements it.
type Decider interface {
	Decide(ctx context.Context, req *models.RequestInfo) *models.Decision
	Config() *models.RateLimitConfig
}

// RequestInfoFromHTTP extracts the fields the engine needs from r, reading the
// API key and forwarded-for values from the configured header names.
func RequestInfoFromHTTP(r *http.Request, cfg *models.RateLimitConfig) *models.RequestInfo {
	apiKeyHeader, forwardedHeader := constants.DefaultAPIKeyHeader, constants.DefaultForwardedHeader
	if cfg != nil {
		if cfg.APIKeyHeader != "" {
			apiKeyHeader = cfg.APIKeyHeader
		}
		if cfg.ForwardedHeader != "" {
			forwardedHeader = cfg.ForwardedHeader
		}
	}
	return &models.RequestInfo{
		Method:       r.Method,
		Path:         r.URL.Path,
		APIKey:       r.Header.Get(apiKeyHeader),
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get(forwardedHeader),
	}
}

// DecisionFromContext returns the decision stored by the admission middleware.
func DecisionFromContext(ctx context.Context) (*models.Decision, bool) {
	d, ok := ctx.Value(constants.ContextKeyDecision).(*models.Decision)
	return d, ok
}

// RateLimit admits or rejects each request through engine. Allowed requests
// continue with the rate limit headers already set; rejected ones end with a
// 429 problem+json body.
func RateLimit(engine Decider) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := engine.Decide(c.Request.Context(), RequestInfoFromHTTP(c.Request, engine.Config()))
		c.Set(string(constants.ContextKeyDecision), d)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), constants.ContextKeyDecision, d))

		d.WriteHeaders(c.Writer.Header())
		if !d.Allowed {
			c.Header("Content-Type", constants.ContentTypeProblemJSON)
			c.AbortWithStatusJSON(d.Status, d.Problem)
			return
		}
		c.Next()
	}
}

// RateLimitHandler is the net/http form of RateLimit.
func RateLimitHandler(engine Decider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := engine.Decide(r.Context(), RequestInfoFromHTTP(r, engine.Config()))
		d.WriteHeaders(w.Header())
		if !d.Allowed {
			WriteProblem(w, d)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), constants.ContextKeyDecision, d)))
	})
}

// WriteProblem writes the rejection body of d.
func WriteProblem(w http.ResponseWriter, d *models.Decision) {
	w.Header().Set("Content-Type", constants.ContentTypeProblemJSON)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d.Problem)
}
