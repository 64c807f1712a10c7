// Package health exposes the probe endpoints: the legacy /health route the
// clients poll, plus Kubernetes-style liveness and readiness probes that
// check the Redis and Postgres backends.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger is anything with backend connectivity to verify. The KV store and
// the archival exporter both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages the health check endpoints.
type Handler struct {
	kv       Pinger
	database Pinger
}

func NewHandler(kv, database Pinger) *Handler {
	return &Handler{kv: kv, database: database}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. The shape is client contract: the mobile app
// polls it before opening a websocket.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "chat-server",
	})
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when both storage
// backends answer; 503 otherwise so the load balancer stops routing
// handshakes here.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	checks["redis"] = h.check(ctx, "redis", h.kv)
	checks["postgres"] = h.check(ctx, "postgres", h.database)
	for _, status := range checks {
		if status != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) check(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "healthy"
	}
	if err := p.Ping(ctx); err != nil {
		logging.Error(ctx, "Health check failed", zap.String("backend", name), zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
