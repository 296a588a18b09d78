package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

const maxRequestIDLength = 128

// RequestID propagates the inbound X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(constants.HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Set(string(constants.ContextKeyRequestID), id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), constants.ContextKeyRequestID, id))
		c.Header(constants.HeaderRequestID, id)
		c.Next()
	}
}

// Logger logs every completed request at debug level, and server errors at error level.
func Logger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if d, ok := DecisionFromContext(c.Request.Context()); ok && !d.Bypassed {
			fields = append(fields, logger.String("policy", d.PolicyID), logger.Bool("fallback", d.Fallback))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error(c.Request.Context(), "Request failed", fmt.Errorf("status %d", c.Writer.Status()), fields...)
			return
		}
		log.Debug(c.Request.Context(), "Request processed", fields...)
	}
}

// Recovery turns a panic into a 500 problem+json response.
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error(c.Request.Context(), "Panic recovered", fmt.Errorf("panic: %v", rec),
					logger.String("path", c.Request.URL.Path))
				c.Header("Content-Type", constants.ContentTypeProblemJSON)
				c.AbortWithStatusJSON(http.StatusInternalServerError, &models.Problem{
					Type:     "about:blank",
					Title:    http.StatusText(http.StatusInternalServerError),
					Status:   http.StatusInternalServerError,
					Instance: c.Request.URL.Path,
				})
			}
		}()
		c.Next()
	}
}
