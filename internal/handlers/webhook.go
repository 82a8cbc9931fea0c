package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
	"adreel-backend/internal/services"
)

const maxCallbackBytes = 1 << 20

type WebhookHandler struct {
	token string
	jobs  *services.JobService
	log   *logger.Logger
}

func NewWebhookHandler(token string, jobs *services.JobService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		token: token,
		jobs:  jobs,
		log:   log.With("component", "WebhookHandler"),
	}
}

// HandleEngineCallback applies a progress report from the workflow engine.
// Stale or late reports are acknowledged with applied=false so the engine
// does not retry them.
func (h *WebhookHandler) HandleEngineCallback(c *gin.Context) {
	// Verify authentication token
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "missing authorization token"})
		return
	}

	// Extract token (could be "Bearer <token>" or just "<token>")
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid authorization token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to read request body",
			Message: err.Error(),
		})
		return
	}

	var update services.EngineUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to parse event",
			Message: err.Error(),
		})
		return
	}

	applied, err := h.jobs.ApplyEngineUpdate(c.Request.Context(), update)
	if err != nil {
		h.log.Warn("engine callback rejected", "job_id", update.JobID, "status", update.Status, "stage", update.Stage, "error", err)
		writeError(c, "failed to apply update", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "applied": applied})
}
