package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

type TriggerJobRequest struct {
	Kind           string          `json:"kind" binding:"required"`
	SourceImageURL string          `json:"source_image_url,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

type SceneDraft struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Prompt          string  `json:"prompt" binding:"required"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// InsertScenesRequest inserts one scene at Position, or appends Scenes in bulk.
type InsertScenesRequest struct {
	Scene    *SceneDraft  `json:"scene,omitempty"`
	Position int          `json:"position,omitempty"`
	Scenes   []SceneDraft `json:"scenes,omitempty"`
}

type ReorderScenesRequest struct {
	SceneIDs []uuid.UUID `json:"scene_ids" binding:"required"`
}

type MoveSceneRequest struct {
	Direction string `json:"direction" binding:"required,oneof=up down"`
}

type DuplicateSceneRequest struct {
	Position int `json:"position,omitempty"`
}

type GenerateSceneMediaRequest struct {
	Media string `json:"media" binding:"required,oneof=image clip"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
