// Package gateway defines the narrow store contract shared by the reconciler,
// the scene manager and the orchestration actions. Implementations live in
// internal/supabase (Postgres, PostgREST, LISTEN/NOTIFY) and internal/eventbus (Redis).
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/models"
	"adreel-backend/internal/stages"
)

var (
	// ErrNotFound is returned when a requested row cannot be located.
	ErrNotFound = errors.New("gateway: not found")
	// ErrConflict is returned when a conditional update's expectation no longer holds.
	ErrConflict = errors.New("gateway: conditional update conflict")
)

// Patch lists the job fields to overwrite. Nil fields are left untouched;
// ClearError and ClearCompletedAt null their columns.
type Patch struct {
	Status           *models.JobStatus
	Stage            *stages.Stage
	ErrorMessage     *string
	ClearError       bool
	ResultURL        *string
	CompletedAt      *time.Time
	ClearCompletedAt bool
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.Stage == nil && p.ErrorMessage == nil && !p.ClearError &&
		p.ResultURL == nil && p.CompletedAt == nil && !p.ClearCompletedAt
}

// Expect conditions an update on the row's current values.
type Expect struct {
	Statuses []models.JobStatus
	UserID   *uuid.UUID
}

// JobReader is the point-read half of the gateway.
type JobReader interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error)
	ListScenes(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error)
}

// JobWriter applies conditional updates. A zero Expect updates unconditionally.
type JobWriter interface {
	CreateJob(ctx context.Context, job *models.GenerationJob) error
	UpdateJob(ctx context.Context, jobID uuid.UUID, patch Patch, expect Expect) (*models.GenerationJob, error)
}

type JobStore interface {
	JobReader
	JobWriter
	ListJobs(ctx context.Context, userID uuid.UUID) ([]models.GenerationJob, error)
	ListActiveJobs(ctx context.Context, updatedBefore time.Time) ([]models.GenerationJob, error)
}

// SceneStore is the row-level surface the scene manager composes its operations from.
type SceneStore interface {
	ListScenes(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error)
	GetScene(ctx context.Context, jobID, sceneID uuid.UUID) (*models.Scene, error)
	InsertScene(ctx context.Context, scene *models.Scene) error
	DeleteScene(ctx context.Context, jobID, sceneID uuid.UUID) error
	SetSceneOrder(ctx context.Context, jobID, sceneID uuid.UUID, order int) error
	// ShiftSceneOrders adds delta to scene_order of every scene in jobID whose order is >= from.
	ShiftSceneOrders(ctx context.Context, jobID uuid.UUID, from, delta int) error
	UpdateSceneMedia(ctx context.Context, jobID, sceneID uuid.UUID, update SceneUpdate) (*models.Scene, error)
}

// SceneUpdate carries engine- or user-driven scene changes; nil fields are untouched.
type SceneUpdate struct {
	Status   *models.SceneStatus
	ImageURL *string
	ClipURL  *string
}

type Table string

const (
	TableJobs   Table = "generation_jobs"
	TableScenes Table = "scenes"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one committed row state delivered by a change feed. Exactly one
// of Job or Scene is set, matching Table.
type Change struct {
	Table Table                 `json:"table"`
	Type  ChangeType            `json:"type"`
	JobID uuid.UUID             `json:"job_id"`
	Job   *models.GenerationJob `json:"job,omitempty"`
	Scene *models.Scene         `json:"scene,omitempty"`
}

// Subscription delivers changes for one job until it fails or is closed.
// Events is closed when delivery stops; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan Change
	Err() error
	Close() error
}

// ChangeFeed is the push channel. Delivery is best effort: events may repeat,
// arrive late, or stop without an error under a partition.
type ChangeFeed interface {
	Subscribe(ctx context.Context, jobID uuid.UUID) (Subscription, error)
}
