package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"adreel-backend/internal/models"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HealthHandler reports "ok" when every check passes and "degraded" with a
// 503 otherwise.
func HealthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		response := models.HealthResponse{Status: "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if response.Checks == nil {
				response.Checks = make(map[string]string, len(checks))
			}
			if err := check(ctx); err != nil {
				response.Checks[name] = err.Error()
				response.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			response.Checks[name] = "ok"
		}
		c.JSON(status, response)
	}
}
