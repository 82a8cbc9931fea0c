package reconciler

import (
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/models"
	"adreel-backend/internal/scenes"
	"adreel-backend/internal/stages"
)

// View is the merged projection of a job handed to observers.
type View struct {
	JobID                uuid.UUID        `json:"job_id"`
	Kind                 stages.Kind      `json:"kind"`
	Status               models.JobStatus `json:"status"`
	Stage                stages.Stage     `json:"stage"`
	ProgressPercent      int              `json:"progress_percent"`
	StageProgressPercent int              `json:"stage_progress_percent"`
	IsTerminal           bool             `json:"is_terminal"`
	ErrorMessage         string           `json:"error_message,omitempty"`
	ResultURL            string           `json:"result_url,omitempty"`
	ScenesTotal          int              `json:"scenes_total,omitempty"`
	ScenesWithImage      int              `json:"scenes_with_image,omitempty"`
	ScenesWithClip       int              `json:"scenes_with_clip,omitempty"`
	PushDegraded         bool             `json:"push_degraded"`
	ObservedAt           time.Time        `json:"observed_at"`
}

// state is the reconciler's merge target. It is owned by a single goroutine.
type state struct {
	jobID  uuid.UUID
	kind   stages.Kind
	seeded bool

	status    models.JobStatus
	stage     stages.Stage
	errMsg    string
	resultURL string

	progress      int
	stageProgress int
	progressStage stages.Stage

	scenes     map[uuid.UUID]models.Scene
	tombstones map[uuid.UUID]time.Time

	lastObservedAt time.Time
	pushDegraded   bool

	firedComplete bool
	firedError    bool
}

func newState(jobID uuid.UUID, kind stages.Kind) *state {
	return &state{
		jobID:      jobID,
		kind:       kind,
		scenes:     make(map[uuid.UUID]models.Scene),
		tombstones: make(map[uuid.UUID]time.Time),
	}
}

func statusRank(s models.JobStatus) int {
	switch s {
	case models.StatusPending:
		return 0
	case models.StatusProcessing:
		return 1
	}
	return 2
}

// applyJob merges an observed job row. It returns false when the row is not
// newer than the held state: a stale or repeated observation never moves the view.
func (s *state) applyJob(job models.GenerationJob, observedAt time.Time) bool {
	if job.ID != s.jobID || !job.Status.Valid() {
		return false
	}
	if s.seeded && s.status.Terminal() {
		return false
	}

	incomingIdx, known := stages.Index(s.kind, job.Stage)
	stage := job.Stage
	if !known {
		stage = s.stage
		incomingIdx, _ = stages.Index(s.kind, s.stage)
	}

	if s.seeded {
		currentIdx, _ := stages.Index(s.kind, s.stage)
		if !job.Status.Terminal() {
			if incomingIdx < currentIdx {
				return false
			}
			if incomingIdx == currentIdx && statusRank(job.Status) <= statusRank(s.status) {
				return false
			}
		} else if incomingIdx < currentIdx {
			// a failure reported against an earlier stage keeps the furthest stage seen
			stage = s.stage
		}
	}

	s.seeded = true
	s.status = job.Status
	s.stage = stage
	if job.Status == models.StatusCompleted {
		s.stage = stages.Terminal(s.kind)
	}
	if s.stage == "" {
		s.stage = stages.Init
	}
	if msg := job.Error(); msg != "" && s.errMsg == "" && job.Status.Terminal() {
		s.errMsg = msg
	}
	if job.ResultURL != nil {
		s.resultURL = *job.ResultURL
	}
	s.touch(job.UpdatedAt, observedAt)
	s.recompute()
	return true
}

// applyScene merges a pushed scene change.
func (s *state) applyScene(t gateway.ChangeType, scene models.Scene, observedAt time.Time) bool {
	if s.kind != stages.KindStoryboard || scene.JobID != s.jobID || s.status.Terminal() {
		return false
	}
	held, exists := s.scenes[scene.ID]
	if t == gateway.ChangeDelete {
		if !exists {
			return false
		}
		delete(s.scenes, scene.ID)
		s.tombstones[scene.ID] = observedAt
	} else {
		if exists && scene.UpdatedAt.Before(held.UpdatedAt) {
			return false
		}
		if _, gone := s.tombstones[scene.ID]; gone {
			return false
		}
		s.scenes[scene.ID] = scene
	}
	s.touch(scene.UpdatedAt, observedAt)
	return s.recompute()
}

// applySnapshot merges a polled scene list read at readStart. Scenes absent
// from the list are dropped only if nothing newer was pushed since the read began.
func (s *state) applySnapshot(list []models.Scene, readStart, observedAt time.Time) bool {
	if s.kind != stages.KindStoryboard || s.status.Terminal() {
		return false
	}
	seen := make(map[uuid.UUID]bool, len(list))
	latest := time.Time{}
	for _, sc := range list {
		seen[sc.ID] = true
		if deletedAt, gone := s.tombstones[sc.ID]; gone && !sc.UpdatedAt.After(deletedAt) {
			continue
		}
		held, exists := s.scenes[sc.ID]
		if exists && sc.UpdatedAt.Before(held.UpdatedAt) {
			continue
		}
		s.scenes[sc.ID] = sc
		if sc.UpdatedAt.After(latest) {
			latest = sc.UpdatedAt
		}
	}
	for id, held := range s.scenes {
		if !seen[id] && held.UpdatedAt.Before(readStart) {
			delete(s.scenes, id)
		}
	}
	if !latest.IsZero() {
		s.touch(latest, observedAt)
	}
	return s.recompute()
}

// failStalled forces the synthetic timeout failure.
func (s *state) failStalled(message string) {
	s.status = models.StatusFailed
	if s.errMsg == "" {
		s.errMsg = message
	}
	s.recompute()
}

func (s *state) touch(updatedAt, observedAt time.Time) {
	t := updatedAt
	if t.IsZero() {
		t = observedAt
	}
	if t.After(s.lastObservedAt) {
		s.lastObservedAt = t
	}
}

// recompute refreshes the derived percentages and reports whether they moved.
// Progress never decreases; the in-stage figure resets only on a stage change.
func (s *state) recompute() bool {
	counts := scenes.Count(s.sceneList())
	overall, inStage := scenes.Progress(s.kind, s.stage, counts)
	if s.status == models.StatusCompleted {
		overall, inStage = 100, 100
	}

	changed := false
	if overall > s.progress {
		s.progress = overall
		changed = true
	}
	if s.progressStage != s.stage {
		s.progressStage = s.stage
		s.stageProgress = inStage
		changed = true
	} else if inStage > s.stageProgress {
		s.stageProgress = inStage
		changed = true
	}
	return changed
}

func (s *state) sceneList() []models.Scene {
	out := make([]models.Scene, 0, len(s.scenes))
	for _, sc := range s.scenes {
		out = append(out, sc)
	}
	return out
}

func (s *state) view(now time.Time) View {
	counts := scenes.Count(s.sceneList())
	return View{
		JobID:                s.jobID,
		Kind:                 s.kind,
		Status:               s.status,
		Stage:                s.stage,
		ProgressPercent:      s.progress,
		StageProgressPercent: s.stageProgress,
		IsTerminal:           s.status.Terminal(),
		ErrorMessage:         s.errMsg,
		ResultURL:            s.resultURL,
		ScenesTotal:          counts.Total,
		ScenesWithImage:      counts.WithImage,
		ScenesWithClip:       counts.WithClip,
		PushDegraded:         s.pushDegraded,
		ObservedAt:           now,
	}
}

// edges reports which one-shot callbacks are due and marks them fired.
func (s *state) edges() (complete, failed bool) {
	if s.status == models.StatusCompleted && !s.firedComplete {
		s.firedComplete = true
		complete = true
	}
	if (s.status == models.StatusFailed || s.status == models.StatusCancelled) && !s.firedError {
		s.firedError = true
		failed = true
	}
	return complete, failed
}
