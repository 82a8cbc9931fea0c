package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"adreel-backend/internal/models"
	"adreel-backend/internal/scenes"
	"adreel-backend/internal/services"
	"adreel-backend/internal/stages"
)

type ScenesHandler struct {
	jobs   *services.JobService
	scenes *scenes.Manager
}

func NewScenesHandler(jobs *services.JobService, manager *scenes.Manager) *ScenesHandler {
	return &ScenesHandler{jobs: jobs, scenes: manager}
}

// storyboard resolves the caller's storyboard job from the path.
func (h *ScenesHandler) storyboard(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := currentUser(c)
	if !ok {
		return uuid.Nil, false
	}
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return uuid.Nil, false
	}
	job, err := h.jobs.Get(c.Request.Context(), userID, jobID)
	if err != nil {
		writeError(c, "failed to load job", err)
		return uuid.Nil, false
	}
	if job.Kind != stages.KindStoryboard {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "only storyboard jobs have scenes"})
		return uuid.Nil, false
	}
	return jobID, true
}

func (h *ScenesHandler) List(c *gin.Context) {
	jobID, ok := h.storyboard(c)
	if !ok {
		return
	}

	list, err := h.scenes.List(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, "failed to list scenes", err)
		return
	}
	c.JSON(http.StatusOK, models.ScenesResponse{Scenes: list})
}

// Insert adds one scene at an optional position, or appends a batch.
func (h *ScenesHandler) Insert(c *gin.Context) {
	jobID, ok := h.storyboard(c)
	if !ok {
		return
	}

	var req models.InsertScenesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if (req.Scene == nil) == (len(req.Scenes) == 0) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "provide either scene or scenes"})
		return
	}

	if req.Scene != nil {
		scene, err := h.scenes.Insert(c.Request.Context(), jobID, draft(*req.Scene), req.Position)
		if err != nil {
			writeError(c, "failed to insert scene", err)
			return
		}
		c.JSON(http.StatusCreated, scene)
		return
	}

	drafts := make([]scenes.Draft, len(req.Scenes))
	for i, d := range req.Scenes {
		drafts[i] = draft(d)
	}
	created, err := h.scenes.InsertMany(c.Request.Context(), jobID, drafts)
	if err != nil {
		writeError(c, "failed to insert scenes", err)
		return
	}
	c.JSON(http.StatusCreated, models.ScenesResponse{Scenes: created})
}

func (h *ScenesHandler) Reorder(c *gin.Context) {
	jobID, ok := h.storyboard(c)
	if !ok {
		return
	}

	var req models.ReorderScenesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	list, err := h.scenes.Reorder(c.Request.Context(), jobID, req.SceneIDs)
	if err != nil {
		writeError(c, "failed to reorder scenes", err)
		return
	}
	c.JSON(http.StatusOK, models.ScenesResponse{Scenes: list})
}

func (h *ScenesHandler) Delete(c *gin.Context) {
	jobID, ok := h.storyboard(c)
	if !ok {
		return
	}
	sceneID, ok := pathUUID(c, "scene_id")
	if !ok {
		return
	}

	if err := h.scenes.Delete(c.Request.Context(), jobID, sceneID); err != nil {
		writeError(c, "failed to delete scene", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ScenesHandler) Move(c *gin.Context) {
	jobID, ok := h.storyboard(c)
	if !ok {
		return
	}
	sceneID, ok := pathUUID(c, "scene_id")
	if !ok {
		return
	}

	var req models.MoveSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	list, err := h.scenes.Move(c.Request.Context(), jobID, sceneID, scenes.Direction(req.Direction))
	if err != nil {
		writeError(c, "failed to move scene", err)
		return
	}
	c.JSON(http.StatusOK, models.ScenesResponse{Scenes: list})
}

func (h *ScenesHandler) Duplicate(c *gin.Context) {
	jobID, ok := h.storyboard(c)
	if !ok {
		return
	}
	sceneID, ok := pathUUID(c, "scene_id")
	if !ok {
		return
	}

	var req models.DuplicateSceneRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
			return
		}
	}

	dup, err := h.scenes.Duplicate(c.Request.Context(), jobID, sceneID, req.Position)
	if err != nil {
		writeError(c, "failed to duplicate scene", err)
		return
	}
	c.JSON(http.StatusCreated, dup)
}

// Generate requests an image or clip for one scene.
func (h *ScenesHandler) Generate(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}
	sceneID, ok := pathUUID(c, "scene_id")
	if !ok {
		return
	}

	var req models.GenerateSceneMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	scene, err := h.jobs.GenerateSceneMedia(c.Request.Context(), userID, jobID, sceneID, services.SceneMedia(req.Media))
	if err != nil {
		writeError(c, "failed to generate scene media", err)
		return
	}
	c.JSON(http.StatusAccepted, scene)
}

func draft(d models.SceneDraft) scenes.Draft {
	return scenes.Draft{
		Title:           d.Title,
		Description:     d.Description,
		Prompt:          d.Prompt,
		DurationSeconds: d.DurationSeconds,
	}
}
