package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/stages"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// CancelledMessage is the error_message written on user cancellation.
const CancelledMessage = "Cancelled by user"

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the statuses a job can be cancelled or stalled from.
var ActiveStatuses = []JobStatus{StatusPending, StatusProcessing}

type GenerationJob struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Kind           stages.Kind     `json:"kind"`
	Status         JobStatus       `json:"status"`
	Stage          stages.Stage    `json:"stage"`
	ErrorMessage   *string         `json:"error_message"`
	SourceImageURL string          `json:"source_image_url"`
	Params         json.RawMessage `json:"params"`
	ResultURL      *string         `json:"result_url"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

func (j *GenerationJob) Error() string {
	if j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}
