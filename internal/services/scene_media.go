package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"adreel-backend/internal/engine"
	"adreel-backend/internal/gateway"
	"adreel-backend/internal/models"
	"adreel-backend/internal/scenes"
	"adreel-backend/internal/stages"
)

type SceneMedia string

const (
	MediaImage SceneMedia = "image"
	MediaClip  SceneMedia = "clip"
)

// GenerateSceneMedia asks the engine for one scene's image or clip. Clips need
// an existing image and are charged per scene once the engine accepted the call.
func (s *JobService) GenerateSceneMedia(ctx context.Context, userID, jobID, sceneID uuid.UUID, media SceneMedia) (*models.Scene, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Kind != stages.KindStoryboard {
		return nil, &ValidationError{Field: "job_id", Message: "only storyboard jobs have scenes"}
	}
	if job.Status == models.StatusCancelled {
		return nil, &ValidationError{Field: "job_id", Message: "job was cancelled"}
	}

	scene, err := s.scenes.GetScene(ctx, jobID, sceneID)
	if err != nil {
		return nil, err
	}

	var status models.SceneStatus
	cost := 0
	switch media {
	case MediaImage:
		status = models.SceneGeneratingImage
	case MediaClip:
		if err := scenes.CanGenerateClip(scene); err != nil {
			s.metrics.IncAction("scene_media", "image_required")
			return nil, err
		}
		status = models.SceneGeneratingClip
		cost = s.costs.SceneClip
	default:
		return nil, &ValidationError{Field: "media", Message: fmt.Sprintf("media must be image or clip, got %q", media)}
	}
	if err := s.ensureBalance(ctx, userID, cost); err != nil {
		s.metrics.IncAction("scene_media", "insufficient_credits")
		return nil, err
	}

	scene, err = s.scenes.UpdateSceneMedia(ctx, jobID, sceneID, gateway.SceneUpdate{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("failed to mark scene generating: %w", err)
	}
	s.publishScene(ctx, gateway.ChangeUpdate, scene)

	req := engine.Request{
		JobID:       jobID,
		UserID:      userID,
		Kind:        string(job.Kind),
		SceneID:     &sceneID,
		Media:       string(media),
		Prompt:      scene.Prompt,
		CallbackURL: s.callbackURL,
	}
	if scene.ImageURL != nil {
		req.ImageURL = *scene.ImageURL
	}
	resp, err := s.engine.Dispatch(ctx, engine.OpScene, req)
	if err != nil {
		s.metrics.IncAction("scene_media", "engine_error")
		s.log.Error("scene media dispatch failed", "job_id", jobID, "scene_id", sceneID, "media", media, "error", err)
		failed := models.SceneFailed
		if marked, markErr := s.scenes.UpdateSceneMedia(ctx, jobID, sceneID, gateway.SceneUpdate{Status: &failed}); markErr != nil {
			s.log.Error("failed to record scene failure", "scene_id", sceneID, "error", markErr)
		} else {
			s.publishScene(ctx, gateway.ChangeUpdate, marked)
		}
		return nil, &EngineInvocationError{Err: err}
	}

	if cost > 0 {
		if err := s.ledger.Debit(ctx, userID, cost, jobID, fmt.Sprintf("scene %s generation", media)); err != nil {
			s.metrics.IncAction("scene_media", "insufficient_credits")
			return nil, err
		}
	}

	update := gateway.SceneUpdate{}
	completed := models.SceneCompleted
	if media == MediaImage && resp.ImageURL != "" {
		update.ImageURL, update.Status = &resp.ImageURL, &completed
	}
	if media == MediaClip && resp.ClipURL != "" {
		update.ClipURL, update.Status = &resp.ClipURL, &completed
	}
	if update.Status != nil {
		done, err := s.scenes.UpdateSceneMedia(ctx, jobID, sceneID, update)
		if err != nil {
			s.log.Warn("failed to record synchronous scene result", "scene_id", sceneID, "error", err)
		} else {
			scene = done
			s.publishScene(ctx, gateway.ChangeUpdate, done)
		}
	}
	s.metrics.IncAction("scene_media", "ok")
	return scene, nil
}
