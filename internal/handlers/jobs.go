package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"adreel-backend/internal/ledger"
	"adreel-backend/internal/models"
	"adreel-backend/internal/reconciler"
	"adreel-backend/internal/services"
	"adreel-backend/internal/stages"
)

// Snapshotter produces a one-shot reconciled view of a job.
type Snapshotter interface {
	Snapshot(ctx context.Context, jobID uuid.UUID) (reconciler.View, error)
}

type JobsHandler struct {
	jobs  *services.JobService
	views Snapshotter
}

func NewJobsHandler(jobs *services.JobService, views Snapshotter) *JobsHandler {
	return &JobsHandler{jobs: jobs, views: views}
}

// Trigger starts a new generation job and answers 202 with the pending row.
func (h *JobsHandler) Trigger(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.TriggerJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	job, err := h.jobs.Trigger(c.Request.Context(), userID, services.TriggerInput{
		Kind:           stages.Kind(req.Kind),
		SourceImageURL: req.SourceImageURL,
		Params:         req.Params,
	})
	if err != nil {
		writeError(c, "failed to start job", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *JobsHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	jobs, err := h.jobs.List(c.Request.Context(), userID)
	if err != nil {
		writeError(c, "failed to list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []models.GenerationJob{}
	}
	c.JSON(http.StatusOK, models.JobListResponse{Jobs: jobs})
}

// Get returns the job's current reconciled view.
func (h *JobsHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}

	if _, err := h.jobs.Get(c.Request.Context(), userID, jobID); err != nil {
		writeError(c, "failed to get job", err)
		return
	}
	view, err := h.views.Snapshot(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, "failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *JobsHandler) Retry(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}

	job, err := h.jobs.Retry(c.Request.Context(), userID, jobID)
	if err != nil {
		writeError(c, "failed to retry job", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *JobsHandler) Cancel(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(c.Request.Context(), userID, jobID)
	if err != nil {
		writeError(c, "failed to cancel job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobsHandler) Ledger(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}

	entries, err := h.jobs.LedgerEntries(c.Request.Context(), userID, jobID)
	if err != nil {
		writeError(c, "failed to list ledger entries", err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	c.JSON(http.StatusOK, models.LedgerResponse{Entries: entries, Net: ledger.Net(entries)})
}

func (h *JobsHandler) Credits(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	balance, err := h.jobs.Balance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, "failed to read balance", err)
		return
	}
	c.JSON(http.StatusOK, models.CreditsResponse{Balance: balance})
}
