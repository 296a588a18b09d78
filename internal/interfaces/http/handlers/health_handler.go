package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/persistence/redis"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// Redis check values reported by the readiness endpoint.
const (
	RedisStatusOK       = "ok"
	RedisStatusDegraded = "degraded"
	RedisStatusDisabled = "disabled"
)

// RedisHealthChecker probes the distributed store connection.
type RedisHealthChecker interface {
	HealthCheck(ctx context.Context) (*redis.Health, error)
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	redis   RedisHealthChecker
	timeout time.Duration
	log     logger.Logger
}

// NewHealthHandler creates a new HealthHandler. A nil checker reports Redis as disabled.
func NewHealthHandler(checker RedisHealthChecker, log logger.Logger) *HealthHandler {
	return &HealthHandler{
		redis:   checker,
		timeout: 500 * time.Millisecond,
		log:     log,
	}
}

// LivenessCheck godoc
// @Summary      Liveness Check
// @Description  Reports that the process is serving requests.
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health/live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadinessCheck godoc
// @Summary      Readiness Check
// @Description  Reports the distributed store state. The gateway stays ready while
// @Description  Redis is down because decisions fall back to local buckets.
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health/ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	redisStatus := RedisStatusDisabled
	var detail *redis.Health
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		health, err := h.redis.HealthCheck(ctx)
		detail = health
		redisStatus = RedisStatusOK
		if err != nil {
			redisStatus = RedisStatusDegraded
			h.log.Debug(c.Request.Context(), "readiness probe found redis unavailable", logger.Error(err))
		}
	}

	status := "ok"
	if redisStatus == RedisStatusDegraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    gin.H{"redis": redisStatus},
		"redis":     detail,
	})
}
