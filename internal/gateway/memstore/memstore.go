// Package memstore is an in-process implementation of the gateway, scene and
// ledger stores with a controllable change feed. It backs the test suites and
// local runs without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/ledger"
	"adreel-backend/internal/models"
)

type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	jobs   map[uuid.UUID]models.GenerationJob
	scenes map[uuid.UUID]map[uuid.UUID]models.Scene
	ledger []models.LedgerEntry
	grants map[uuid.UUID]int

	subs        map[uuid.UUID][]*gateway.Stream
	partitioned bool
	subErr      error
	subCalls    int
	reads       int
}

func New() *Store {
	return &Store{
		now:    time.Now,
		jobs:   make(map[uuid.UUID]models.GenerationJob),
		scenes: make(map[uuid.UUID]map[uuid.UUID]models.Scene),
		grants: make(map[uuid.UUID]int),
		subs:   make(map[uuid.UUID][]*gateway.Stream),
	}
}

// SetClock replaces the time source used for updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Grant seeds a user's starting balance.
func (s *Store) Grant(userID uuid.UUID, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[userID] += amount
}

// Partition silently stops change delivery without closing subscriptions.
func (s *Store) Partition(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitioned = on
}

// FailSubscriptions ends every open subscription with err.
func (s *Store) FailSubscriptions(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uuid.UUID][]*gateway.Stream)
	s.mu.Unlock()
	for _, list := range subs {
		for _, st := range list {
			st.Finish(err)
		}
	}
}

// SetSubscribeError makes subsequent Subscribe calls fail with err (nil restores).
func (s *Store) SetSubscribeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subErr = err
}

func (s *Store) SubscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subCalls
}

// Reads counts GetJob calls, i.e. poll round trips.
func (s *Store) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Mutate applies fn to the job row the way the external engine would, stamps
// updated_at and publishes the change.
func (s *Store) Mutate(jobID uuid.UUID, fn func(job *models.GenerationJob)) (*models.GenerationJob, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, gateway.ErrNotFound
	}
	fn(&job)
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	s.mu.Unlock()

	s.publishJob(gateway.ChangeUpdate, job)
	out := job
	return &out, nil
}

// MutateScene applies fn to a scene row and publishes the change.
func (s *Store) MutateScene(jobID, sceneID uuid.UUID, fn func(scene *models.Scene)) error {
	s.mu.Lock()
	scene, ok := s.scenes[jobID][sceneID]
	if !ok {
		s.mu.Unlock()
		return gateway.ErrNotFound
	}
	fn(&scene)
	scene.UpdatedAt = s.now()
	s.scenes[jobID][sceneID] = scene
	s.mu.Unlock()

	s.publishScene(gateway.ChangeUpdate, scene)
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = *job
	s.mu.Unlock()

	s.publishJob(gateway.ChangeInsert, *job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, userID uuid.UUID) ([]models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GenerationJob
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveJobs(ctx context.Context, updatedBefore time.Time) ([]models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GenerationJob
	for _, j := range s.jobs {
		if !j.Status.Terminal() && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) UpdateJob(ctx context.Context, jobID uuid.UUID, patch gateway.Patch, expect gateway.Expect) (*models.GenerationJob, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, gateway.ErrNotFound
	}
	if expect.UserID != nil && job.UserID != *expect.UserID {
		s.mu.Unlock()
		return nil, gateway.ErrNotFound
	}
	if len(expect.Statuses) > 0 && !containsStatus(expect.Statuses, job.Status) {
		s.mu.Unlock()
		return nil, gateway.ErrConflict
	}
	applyPatch(&job, patch)
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	s.mu.Unlock()

	s.publishJob(gateway.ChangeUpdate, job)
	return &job, nil
}

func applyPatch(job *models.GenerationJob, p gateway.Patch) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Stage != nil {
		job.Stage = *p.Stage
	}
	if p.ClearError {
		job.ErrorMessage = nil
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		job.ErrorMessage = &msg
	}
	if p.ResultURL != nil {
		u := *p.ResultURL
		job.ResultURL = &u
	}
	if p.ClearCompletedAt {
		job.CompletedAt = nil
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		job.CompletedAt = &t
	}
}

func containsStatus(list []models.JobStatus, s models.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Store) ListScenes(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Scene, 0, len(s.scenes[jobID]))
	for _, sc := range s.scenes[jobID] {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].SceneOrder != out[k].SceneOrder {
			return out[i].SceneOrder < out[k].SceneOrder
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetScene(ctx context.Context, jobID, sceneID uuid.UUID) (*models.Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenes[jobID][sceneID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &sc, nil
}

func (s *Store) InsertScene(ctx context.Context, scene *models.Scene) error {
	s.mu.Lock()
	if s.scenes[scene.JobID] == nil {
		s.scenes[scene.JobID] = make(map[uuid.UUID]models.Scene)
	}
	now := s.now()
	if scene.CreatedAt.IsZero() {
		scene.CreatedAt = now
	}
	scene.UpdatedAt = now
	s.scenes[scene.JobID][scene.ID] = *scene
	s.mu.Unlock()

	s.publishScene(gateway.ChangeInsert, *scene)
	return nil
}

func (s *Store) DeleteScene(ctx context.Context, jobID, sceneID uuid.UUID) error {
	s.mu.Lock()
	sc, ok := s.scenes[jobID][sceneID]
	if !ok {
		s.mu.Unlock()
		return gateway.ErrNotFound
	}
	delete(s.scenes[jobID], sceneID)
	s.mu.Unlock()

	s.publishScene(gateway.ChangeDelete, sc)
	return nil
}

func (s *Store) SetSceneOrder(ctx context.Context, jobID, sceneID uuid.UUID, order int) error {
	return s.MutateScene(jobID, sceneID, func(sc *models.Scene) { sc.SceneOrder = order })
}

func (s *Store) ShiftSceneOrders(ctx context.Context, jobID uuid.UUID, from, delta int) error {
	s.mu.Lock()
	var changed []models.Scene
	now := s.now()
	for id, sc := range s.scenes[jobID] {
		if sc.SceneOrder >= from {
			sc.SceneOrder += delta
			sc.UpdatedAt = now
			s.scenes[jobID][id] = sc
			changed = append(changed, sc)
		}
	}
	s.mu.Unlock()

	for _, sc := range changed {
		s.publishScene(gateway.ChangeUpdate, sc)
	}
	return nil
}

func (s *Store) UpdateSceneMedia(ctx context.Context, jobID, sceneID uuid.UUID, update gateway.SceneUpdate) (*models.Scene, error) {
	var out models.Scene
	err := s.MutateScene(jobID, sceneID, func(sc *models.Scene) {
		if update.Status != nil {
			sc.GenerationStatus = *update.Status
		}
		if update.ImageURL != nil {
			u := *update.ImageURL
			sc.ImageURL = &u
		}
		if update.ClipURL != nil {
			u := *update.ClipURL
			sc.ClipURL = &u
		}
		out = *sc
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID), nil
}

func (s *Store) balanceLocked(userID uuid.UUID) int {
	total := s.grants[userID]
	for _, e := range s.ledger {
		if e.UserID == userID {
			total += e.Amount
		}
	}
	return total
}

func (s *Store) AppendDebit(ctx context.Context, entry models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceLocked(entry.UserID)+entry.Amount < 0 {
		return ledger.ErrInsufficientBalance
	}
	s.ledger = append(s.ledger, entry)
	return nil
}

func (s *Store) AppendCredit(ctx context.Context, entry models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, entry)
	return nil
}

func (s *Store) AppendRefund(ctx context.Context, jobID, entryID uuid.UUID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var net int
	var userID uuid.UUID
	for _, e := range s.ledger {
		if e.JobID == jobID {
			net += e.Amount
			userID = e.UserID
		}
	}
	if net >= 0 {
		return 0, nil
	}
	s.ledger = append(s.ledger, models.LedgerEntry{
		ID:        entryID,
		UserID:    userID,
		JobID:     jobID,
		Amount:    -net,
		Reason:    reason,
		CreatedAt: at,
	})
	return -net, nil
}

func (s *Store) JobEntries(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, jobID uuid.UUID) (gateway.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subCalls++
	if s.subErr != nil {
		return nil, s.subErr
	}
	var st *gateway.Stream
	st = gateway.NewStream(ctx, 64, func() error {
		s.removeSub(jobID, st)
		return nil
	})
	s.subs[jobID] = append(s.subs[jobID], st)
	return st, nil
}

func (s *Store) removeSub(jobID uuid.UUID, st *gateway.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[jobID]
	for i, v := range list {
		if v == st {
			s.subs[jobID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (s *Store) publishJob(t gateway.ChangeType, job models.GenerationJob) {
	j := job
	s.publish(job.ID, gateway.Change{Table: gateway.TableJobs, Type: t, JobID: job.ID, Job: &j})
}

func (s *Store) publishScene(t gateway.ChangeType, scene models.Scene) {
	sc := scene
	s.publish(scene.JobID, gateway.Change{Table: gateway.TableScenes, Type: t, JobID: scene.JobID, Scene: &sc})
}

func (s *Store) publish(jobID uuid.UUID, c gateway.Change) {
	s.mu.Lock()
	if s.partitioned {
		s.mu.Unlock()
		return
	}
	subs := append([]*gateway.Stream(nil), s.subs[jobID]...)
	s.mu.Unlock()

	for _, st := range subs {
		st.Send(c)
	}
}
