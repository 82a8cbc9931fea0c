package models

import (
	"time"

	"github.com/google/uuid"
)

type SceneStatus string

const (
	ScenePending         SceneStatus = "pending"
	SceneGeneratingImage SceneStatus = "generating_image"
	SceneGeneratingClip  SceneStatus = "generating_clip"
	SceneCompleted       SceneStatus = "completed"
	SceneFailed          SceneStatus = "failed"
)

func (s SceneStatus) Valid() bool {
	switch s {
	case ScenePending, SceneGeneratingImage, SceneGeneratingClip, SceneCompleted, SceneFailed:
		return true
	}
	return false
}

// Scene belongs to a storyboard job. JobID is a lookup key only; the scene
// list is always re-read from the store.
type Scene struct {
	ID               uuid.UUID   `json:"id"`
	JobID            uuid.UUID   `json:"job_id"`
	SceneOrder       int         `json:"scene_order"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Prompt           string      `json:"prompt"`
	DurationSeconds  float64     `json:"duration_seconds"`
	GenerationStatus SceneStatus `json:"generation_status"`
	ImageURL         *string     `json:"image_url"`
	ClipURL          *string     `json:"clip_url"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (s *Scene) HasImage() bool { return s.ImageURL != nil && *s.ImageURL != "" }

func (s *Scene) HasClip() bool { return s.ClipURL != nil && *s.ClipURL != "" }
