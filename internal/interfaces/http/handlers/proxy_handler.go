package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/propagation"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// TracePropagator carries the request span to the upstream.
type TracePropagator interface {
	InjectTraceContext(ctx context.Context, carrier propagation.TextMapCarrier)
	RecordError(ctx context.Context, err error)
}

// ProxyHandler forwards admitted requests to the upstream service.
type ProxyHandler struct {
	proxy   *httputil.ReverseProxy
	log     logger.Logger
	tracing TracePropagator
}

// NewProxyHandler creates a handler for upstream. An empty upstream yields a
// handler that answers 404, so the gateway can run as a pure admission sidecar.
func NewProxyHandler(upstream string, log logger.Logger) (*ProxyHandler, error) {
	h := &ProxyHandler{log: log}
	if upstream == "" {
		return h, nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, errors.Configuration("parse upstream url", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	direct := proxy.Director
	proxy.Director = func(r *http.Request) {
		direct(r)
		if h.tracing != nil {
			h.tracing.InjectTraceContext(r.Context(), propagation.HeaderCarrier(r.Header))
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn(r.Context(), "upstream request failed", logger.Error(err), logger.String("path", r.URL.Path))
		if h.tracing != nil {
			h.tracing.RecordError(r.Context(), err)
		}
		writeProblem(w, r, http.StatusBadGateway)
	}
	h.proxy = proxy
	return h, nil
}

// WithTracing propagates the trace context of proxied requests through t.
func (h *ProxyHandler) WithTracing(t TracePropagator) *ProxyHandler {
	h.tracing = t
	return h
}

// Handle proxies the request, keeping the rate limit headers already set.
func (h *ProxyHandler) Handle(c *gin.Context) {
	if h.proxy == nil {
		writeProblem(c.Writer, c.Request, http.StatusNotFound)
		return
	}
	// A cancelable context keeps the proxy off the CloseNotifier path,
	// which not every ResponseWriter behind gin implements.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	h.proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int) {
	w.Header().Set("Content-Type", constants.ContentTypeProblemJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&models.Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Instance: r.URL.Path,
	})
}
