package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/models"
	"adreel-backend/internal/stages"
)

const defaultFailureMessage = "generation failed"

// EngineUpdate is a progress report posted by the workflow engine.
type EngineUpdate struct {
	JobID        uuid.UUID        `json:"job_id"`
	Status       models.JobStatus `json:"status,omitempty"`
	Stage        stages.Stage     `json:"stage,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ResultURL    string           `json:"result_url,omitempty"`
	Scene        *EngineScene     `json:"scene,omitempty"`
}

// EngineScene reports media for one storyboard scene.
type EngineScene struct {
	SceneID  uuid.UUID          `json:"scene_id"`
	Status   models.SceneStatus `json:"status,omitempty"`
	ImageURL string             `json:"image_url,omitempty"`
	ClipURL  string             `json:"clip_url,omitempty"`
}

// ApplyEngineUpdate records an engine callback. Callbacks for terminal jobs,
// including cancelled ones, and callbacks reporting an earlier stage than the
// row already holds are ignored; applied reports whether anything was written.
func (s *JobService) ApplyEngineUpdate(ctx context.Context, u EngineUpdate) (applied bool, err error) {
	job, err := s.jobs.GetJob(ctx, u.JobID)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		s.log.Info("ignoring engine callback for terminal job", "job_id", job.ID, "status", job.Status)
		s.metrics.IncAction("callback", "ignored")
		return false, nil
	}

	if u.Scene != nil {
		if err := s.applySceneUpdate(ctx, job, u.Scene); err != nil {
			return false, err
		}
		applied = true
	}

	if u.Status == "" && u.Stage == "" {
		return applied, nil
	}
	patch, err := s.callbackPatch(job, u)
	if err != nil {
		return applied, err
	}
	if patch == nil {
		s.metrics.IncAction("callback", "stale")
		return applied, nil
	}

	updated, err := s.jobs.UpdateJob(ctx, job.ID, *patch, gateway.Expect{Statuses: models.ActiveStatuses})
	if err != nil {
		if errors.Is(err, gateway.ErrConflict) {
			// the job went terminal (e.g. cancelled) after we read it
			s.metrics.IncAction("callback", "ignored")
			return applied, nil
		}
		return applied, fmt.Errorf("failed to apply engine update: %w", err)
	}
	s.metrics.IncAction("callback", "ok")
	s.publishJob(ctx, gateway.ChangeUpdate, updated)

	if updated.Status == models.StatusFailed {
		s.refund(ctx, updated.ID, updated.Error())
	}
	return true, nil
}

// callbackPatch builds the row update for u, or nil when u is older than job.
func (s *JobService) callbackPatch(job *models.GenerationJob, u EngineUpdate) (*gateway.Patch, error) {
	status := u.Status
	if status == "" {
		status = models.StatusProcessing
	}
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", u.Status)}
	}
	if status == models.StatusCancelled {
		return nil, &ValidationError{Field: "status", Message: "the engine cannot cancel jobs"}
	}

	stage := job.Stage
	if u.Stage != "" {
		parsed, err := stages.Parse(job.Kind, string(u.Stage))
		if err != nil {
			return nil, &ValidationError{Field: "stage", Message: err.Error()}
		}
		stage = parsed
	}

	patch := &gateway.Patch{Status: &status}
	switch status {
	case models.StatusCompleted:
		terminal, now := stages.Terminal(job.Kind), s.now()
		patch.Stage = &terminal
		patch.CompletedAt = &now
		patch.ClearError = true
		if u.ResultURL != "" {
			url := u.ResultURL
			patch.ResultURL = &url
		}
	case models.StatusFailed:
		msg := u.ErrorMessage
		if msg == "" {
			msg = defaultFailureMessage
		}
		patch.ErrorMessage = &msg
		if !stages.IsEarlierOrEqual(job.Kind, stage, job.Stage) {
			patch.Stage = &stage
		}
	default:
		if !stages.IsEarlierOrEqual(job.Kind, job.Stage, stage) {
			return nil, nil
		}
		if stage == job.Stage && statusRank(status) <= statusRank(job.Status) {
			return nil, nil
		}
		patch.Stage = &stage
	}
	return patch, nil
}

func statusRank(s models.JobStatus) int {
	if s == models.StatusProcessing {
		return 1
	}
	return 0
}

func (s *JobService) applySceneUpdate(ctx context.Context, job *models.GenerationJob, es *EngineScene) error {
	if job.Kind != stages.KindStoryboard {
		return &ValidationError{Field: "scene", Message: "only storyboard jobs have scenes"}
	}
	update := gateway.SceneUpdate{}
	if es.Status != "" {
		if !es.Status.Valid() {
			return &ValidationError{Field: "scene.status", Message: fmt.Sprintf("unknown scene status %q", es.Status)}
		}
		st := es.Status
		update.Status = &st
	}
	if es.ImageURL != "" {
		url := es.ImageURL
		update.ImageURL = &url
	}
	if es.ClipURL != "" {
		url := es.ClipURL
		update.ClipURL = &url
	}
	scene, err := s.scenes.UpdateSceneMedia(ctx, job.ID, es.SceneID, update)
	if err != nil {
		return fmt.Errorf("failed to update scene %s: %w", es.SceneID, err)
	}
	s.publishScene(ctx, gateway.ChangeUpdate, scene)
	return nil
}

// MarkStalled fails a job that stopped making progress and refunds it. It
// reports false when the job had already settled.
func (s *JobService) MarkStalled(ctx context.Context, jobID uuid.UUID, message string) (bool, error) {
	job, err := s.fail(ctx, jobID, message)
	if err != nil {
		s.metrics.IncAction("stall", "error")
		return false, err
	}
	if job == nil {
		s.metrics.IncAction("stall", "already_terminal")
		return false, nil
	}
	s.metrics.IncAction("stall", "ok")
	s.log.Warn("job failed by stall timeout", "job_id", jobID, "kind", job.Kind, "message", message)
	return true, nil
}
