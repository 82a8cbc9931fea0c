// Package services holds the job orchestration actions: trigger, retry,
// cancel, scene media generation, engine callbacks and stall handling.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/engine"
	"adreel-backend/internal/gateway"
	"adreel-backend/internal/ledger"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
	"adreel-backend/internal/observability"
	"adreel-backend/internal/stages"
)

const genericEngineFailure = "generation could not be started, please try again"

// Dispatcher starts engine workflows.
type Dispatcher interface {
	Dispatch(ctx context.Context, op engine.Operation, req engine.Request) (*engine.Response, error)
}

// Publisher fans accepted row changes out to push subscribers. Feeds backed by
// database triggers need none.
type Publisher interface {
	Publish(ctx context.Context, change gateway.Change) error
}

// Costs are the credit prices per job kind plus the per-clip scene price.
type Costs struct {
	Video      int
	Image      int
	Storyboard int
	SceneClip  int
}

func (c Costs) For(kind stages.Kind) int {
	switch kind {
	case stages.KindVideo:
		return c.Video
	case stages.KindImage:
		return c.Image
	case stages.KindStoryboard:
		return c.Storyboard
	}
	return 0
}

type JobService struct {
	jobs        gateway.JobStore
	scenes      gateway.SceneStore
	ledger      *ledger.Ledger
	engine      Dispatcher
	publisher   Publisher
	costs       Costs
	callbackURL string
	log         *logger.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

type Options struct {
	Costs       Costs
	CallbackURL string
	Publisher   Publisher
	Metrics     *observability.Metrics
}

func NewJobService(jobs gateway.JobStore, scenes gateway.SceneStore, credits *ledger.Ledger, dispatcher Dispatcher, opts Options, log *logger.Logger) *JobService {
	return &JobService{
		jobs:        jobs,
		scenes:      scenes,
		ledger:      credits,
		engine:      dispatcher,
		publisher:   opts.Publisher,
		costs:       opts.Costs,
		callbackURL: opts.CallbackURL,
		log:         log.With("component", "JobService"),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// TriggerInput describes a new generation request.
type TriggerInput struct {
	Kind           stages.Kind
	SourceImageURL string
	Params         json.RawMessage
}

func (in TriggerInput) validate() error {
	if !in.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown job kind %q", in.Kind)}
	}
	if in.Kind != stages.KindStoryboard && strings.TrimSpace(in.SourceImageURL) == "" {
		return &ValidationError{Field: "source_image_url", Message: "a product image is required"}
	}
	if len(in.Params) > 0 && !json.Valid(in.Params) {
		return &ValidationError{Field: "params", Message: "params must be valid JSON"}
	}
	return nil
}

// Trigger creates a pending job, starts its workflow and only then debits the
// user. A failed dispatch leaves the job failed and the balance untouched.
func (s *JobService) Trigger(ctx context.Context, userID uuid.UUID, in TriggerInput) (*models.GenerationJob, error) {
	if err := in.validate(); err != nil {
		s.metrics.IncAction("trigger", "invalid")
		return nil, err
	}
	cost := s.costs.For(in.Kind)
	if err := s.ensureBalance(ctx, userID, cost); err != nil {
		s.metrics.IncAction("trigger", "insufficient_credits")
		return nil, err
	}

	job := &models.GenerationJob{
		ID:             uuid.New(),
		UserID:         userID,
		Kind:           in.Kind,
		Status:         models.StatusPending,
		Stage:          stages.Init,
		SourceImageURL: in.SourceImageURL,
		Params:         in.Params,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.publishJob(ctx, gateway.ChangeInsert, job)

	return s.dispatch(ctx, "trigger", job, cost)
}

// Retry resets a failed job to pending/init and dispatches it again. The reset
// is conditional on the job still being failed, so it cannot race a late completion.
func (s *JobService) Retry(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusFailed {
		s.metrics.IncAction("retry", "not_allowed")
		return nil, ErrRetryNotAllowed
	}
	cost := s.costs.For(job.Kind)
	if err := s.ensureBalance(ctx, userID, cost); err != nil {
		s.metrics.IncAction("retry", "insufficient_credits")
		return nil, err
	}

	pending, init := models.StatusPending, stages.Init
	reset, err := s.jobs.UpdateJob(ctx, jobID, gateway.Patch{
		Status:           &pending,
		Stage:            &init,
		ClearError:       true,
		ClearCompletedAt: true,
	}, gateway.Expect{Statuses: []models.JobStatus{models.StatusFailed}, UserID: &userID})
	if err != nil {
		if errors.Is(err, gateway.ErrConflict) {
			s.metrics.IncAction("retry", "not_allowed")
			return nil, ErrRetryNotAllowed
		}
		return nil, fmt.Errorf("failed to reset job: %w", err)
	}
	s.publishJob(ctx, gateway.ChangeUpdate, reset)

	return s.dispatch(ctx, "retry", reset, cost)
}

// Cancel terminates an in-flight job. The engine is not told; its later
// callbacks are dropped because the job is terminal. Credits are not returned.
func (s *JobService) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error) {
	cancelled := models.StatusCancelled
	msg := models.CancelledMessage
	job, err := s.jobs.UpdateJob(ctx, jobID, gateway.Patch{
		Status:       &cancelled,
		ErrorMessage: &msg,
	}, gateway.Expect{Statuses: models.ActiveStatuses, UserID: &userID})
	if err != nil {
		if errors.Is(err, gateway.ErrConflict) {
			s.metrics.IncAction("cancel", "not_allowed")
			return nil, ErrCancelNotAllowed
		}
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	s.metrics.IncAction("cancel", "ok")
	s.log.Info("job cancelled", "job_id", jobID, "user_id", userID)
	s.publishJob(ctx, gateway.ChangeUpdate, job)
	return job, nil
}

// Get returns the job if it belongs to userID. Another user's job is reported
// as not found.
func (s *JobService) Get(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, gateway.ErrNotFound
	}
	return job, nil
}

func (s *JobService) List(ctx context.Context, userID uuid.UUID) ([]models.GenerationJob, error) {
	return s.jobs.ListJobs(ctx, userID)
}

func (s *JobService) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.ledger.Balance(ctx, userID)
}

func (s *JobService) LedgerEntries(ctx context.Context, userID, jobID uuid.UUID) ([]models.LedgerEntry, error) {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return s.ledger.Entries(ctx, jobID)
}

func (s *JobService) ensureBalance(ctx context.Context, userID uuid.UUID, cost int) error {
	if cost <= 0 {
		return nil
	}
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < cost {
		return ledger.ErrInsufficientBalance
	}
	return nil
}

// dispatch invokes the engine for a pending job and applies the outcome.
func (s *JobService) dispatch(ctx context.Context, action string, job *models.GenerationJob, cost int) (*models.GenerationJob, error) {
	resp, err := s.engine.Dispatch(ctx, engine.Operation(job.Kind), engine.Request{
		JobID:          job.ID,
		UserID:         job.UserID,
		Kind:           string(job.Kind),
		SourceImageURL: job.SourceImageURL,
		Params:         job.Params,
		CallbackURL:    s.callbackURL,
	})
	if err != nil {
		s.metrics.IncAction(action, "engine_error")
		s.log.Error("engine dispatch failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		failed, markErr := s.fail(ctx, job.ID, engineMessage(err))
		if markErr != nil {
			s.log.Error("failed to record dispatch failure", "job_id", job.ID, "error", markErr)
		}
		if failed == nil {
			failed = job
		}
		return failed, &EngineInvocationError{Err: err}
	}

	if cost > 0 {
		if err := s.ledger.Debit(ctx, job.UserID, cost, job.ID, fmt.Sprintf("%s generation", job.Kind)); err != nil {
			// the balance was spent between the check and the debit
			s.metrics.IncAction(action, "insufficient_credits")
			failed, markErr := s.fail(ctx, job.ID, "insufficient credits")
			if markErr != nil {
				s.log.Error("failed to record debit failure", "job_id", job.ID, "error", markErr)
			}
			if failed != nil {
				return failed, err
			}
			return job, err
		}
	}

	// A failure callback or stall can settle the job while the engine call is
	// still in flight; its refund ran before this debit existed.
	out := job
	if current, err := s.jobs.GetJob(ctx, job.ID); err != nil {
		s.log.Warn("failed to re-read dispatched job", "job_id", job.ID, "error", err)
	} else {
		out = current
		if current.Status == models.StatusFailed || current.Status == models.StatusCancelled {
			s.refund(ctx, job.ID, current.Error())
			s.metrics.IncAction(action, "settled_during_dispatch")
			return current, nil
		}
	}
	if resp.ResultURL != "" {
		if done, err := s.complete(ctx, job, resp.ResultURL); err != nil {
			s.log.Warn("failed to record synchronous result", "job_id", job.ID, "error", err)
		} else {
			out = done
		}
	}
	s.metrics.IncAction(action, "ok")
	s.log.Info("job dispatched", "job_id", job.ID, "kind", job.Kind, "action", action)
	return out, nil
}

// fail moves an active job to failed and refunds whatever it still holds.
// It reports (nil, nil) when the job had already left the active statuses.
func (s *JobService) fail(ctx context.Context, jobID uuid.UUID, message string) (*models.GenerationJob, error) {
	failed := models.StatusFailed
	job, err := s.jobs.UpdateJob(ctx, jobID, gateway.Patch{
		Status:       &failed,
		ErrorMessage: &message,
	}, gateway.Expect{Statuses: models.ActiveStatuses})
	if err != nil {
		if errors.Is(err, gateway.ErrConflict) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}
	s.publishJob(ctx, gateway.ChangeUpdate, job)
	s.refund(ctx, jobID, message)
	return job, nil
}

func (s *JobService) complete(ctx context.Context, job *models.GenerationJob, resultURL string) (*models.GenerationJob, error) {
	completed, stage, now := models.StatusCompleted, stages.Terminal(job.Kind), s.now()
	done, err := s.jobs.UpdateJob(ctx, job.ID, gateway.Patch{
		Status:      &completed,
		Stage:       &stage,
		ResultURL:   &resultURL,
		CompletedAt: &now,
	}, gateway.Expect{Statuses: models.ActiveStatuses})
	if err != nil {
		return nil, err
	}
	s.publishJob(ctx, gateway.ChangeUpdate, done)
	return done, nil
}

func (s *JobService) refund(ctx context.Context, jobID uuid.UUID, reason string) {
	if _, err := s.ledger.Refund(ctx, jobID, "refund: "+reason); err != nil {
		s.log.Error("refund failed", "job_id", jobID, "error", err)
	}
}

func (s *JobService) publishJob(ctx context.Context, t gateway.ChangeType, job *models.GenerationJob) {
	if s.publisher == nil || job == nil {
		return
	}
	row := *job
	if err := s.publisher.Publish(ctx, gateway.Change{Table: gateway.TableJobs, Type: t, JobID: job.ID, Job: &row}); err != nil {
		s.log.Warn("failed to publish job change", "job_id", job.ID, "error", err)
	}
}

func (s *JobService) publishScene(ctx context.Context, t gateway.ChangeType, scene *models.Scene) {
	if s.publisher == nil || scene == nil {
		return
	}
	row := *scene
	if err := s.publisher.Publish(ctx, gateway.Change{Table: gateway.TableScenes, Type: t, JobID: scene.JobID, Scene: &row}); err != nil {
		s.log.Warn("failed to publish scene change", "scene_id", scene.ID, "error", err)
	}
}

// engineMessage turns a dispatch error into the message stored on the job.
func engineMessage(err error) string {
	var statusErr *engine.StatusError
	switch {
	case errors.Is(err, engine.ErrRejected):
		return strings.TrimPrefix(err.Error(), engine.ErrRejected.Error()+": ")
	case errors.Is(err, context.DeadlineExceeded):
		return "generation service timed out"
	case errors.As(err, &statusErr):
		return fmt.Sprintf("generation service returned status %d", statusErr.StatusCode)
	}
	return genericEngineFailure
}
