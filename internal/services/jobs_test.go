package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/engine"
	"adreel-backend/internal/gateway"
	"adreel-backend/internal/gateway/memstore"
	"adreel-backend/internal/ledger"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
	"adreel-backend/internal/services"
	"adreel-backend/internal/stages"
	"adreel-backend/internal/stall"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []engine.Request
	ops   []engine.Operation
	resp  *engine.Response
	err   error
	// during runs inside Dispatch, as if the engine called back before answering
	during func(req engine.Request)
}

func (f *fakeEngine) Dispatch(ctx context.Context, op engine.Operation, req engine.Request) (*engine.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.ops = append(f.ops, op)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during(req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &engine.Response{Success: true}, nil
}

func (f *fakeEngine) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []gateway.Change
}

func (p *fakePublisher) Publish(ctx context.Context, c gateway.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

var costs = services.Costs{Video: 10, Image: 2, Storyboard: 20, SceneClip: 1}

type fixture struct {
	store  *memstore.Store
	engine *fakeEngine
	pub    *fakePublisher
	svc    *services.JobService
	user   uuid.UUID
}

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	store := memstore.New()
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	svc := services.NewJobService(store, store, ledger.New(store, logger.Nop()), eng, services.Options{
		Costs:       costs,
		CallbackURL: "https://api.test/api/v1/webhooks/engine",
		Publisher:   pub,
	}, logger.Nop())
	user := uuid.New()
	store.Grant(user, balance)
	return &fixture{store: store, engine: eng, pub: pub, svc: svc, user: user}
}

func (f *fixture) balance(t *testing.T) int {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), f.user)
	require.NoError(t, err)
	return b
}

func videoInput() services.TriggerInput {
	return services.TriggerInput{Kind: stages.KindVideo, SourceImageURL: "https://cdn.test/product.png"}
}

func TestTrigger_DebitsAfterDispatch(t *testing.T) {
	f := newFixture(t, 50)

	job, err := f.svc.Trigger(context.Background(), f.user, videoInput())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, stages.Init, job.Stage)
	assert.Equal(t, 40, f.balance(t))

	require.Len(t, f.engine.calls, 1)
	assert.Equal(t, engine.OpVideo, f.engine.ops[0])
	assert.Equal(t, job.ID, f.engine.calls[0].JobID)
	assert.Equal(t, "https://api.test/api/v1/webhooks/engine", f.engine.calls[0].CallbackURL)
	assert.NotEmpty(t, f.pub.changes)
}

func TestTrigger_DispatchFailureLeavesNoDebit(t *testing.T) {
	f := newFixture(t, 50)
	f.engine.fail(&engine.StatusError{StatusCode: 500, Body: "boom"})

	job, err := f.svc.Trigger(context.Background(), f.user, videoInput())
	var invErr *services.EngineInvocationError
	require.ErrorAs(t, err, &invErr)
	require.NotNil(t, job)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "generation service returned status 500", job.Error())
	assert.Equal(t, 50, f.balance(t))

	entries, err := f.svc.LedgerEntries(context.Background(), f.user, job.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTrigger_EngineRejectionMessageIsKept(t *testing.T) {
	f := newFixture(t, 50)
	f.engine.fail(fmt.Errorf("%w: %s", engine.ErrRejected, "source image too small"))

	job, err := f.svc.Trigger(context.Background(), f.user, videoInput())
	require.Error(t, err)
	assert.Equal(t, "source image too small", job.Error())
}

func TestTrigger_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.svc.Trigger(context.Background(), f.user, videoInput())
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Empty(t, f.engine.calls)

	jobs, err := f.svc.List(context.Background(), f.user)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestTrigger_Validation(t *testing.T) {
	f := newFixture(t, 50)
	cases := []struct {
		name  string
		in    services.TriggerInput
		field string
	}{
		{"unknown kind", services.TriggerInput{Kind: "podcast"}, "kind"},
		{"video without image", services.TriggerInput{Kind: stages.KindVideo}, "source_image_url"},
		{"bad params", services.TriggerInput{Kind: stages.KindStoryboard, Params: []byte("{")}, "params"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Trigger(context.Background(), f.user, tc.in)
			var vErr *services.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
	assert.Empty(t, f.engine.calls)
}

func TestTrigger_SynchronousResultCompletesJob(t *testing.T) {
	f := newFixture(t, 50)
	f.engine.resp = &engine.Response{Success: true, ResultURL: "https://cdn.test/ad.png"}

	job, err := f.svc.Trigger(context.Background(), f.user, services.TriggerInput{
		Kind:           stages.KindImage,
		SourceImageURL: "https://cdn.test/product.png",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, stages.Completed, job.Stage)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.ResultURL)
	assert.Equal(t, "https://cdn.test/ad.png", *job.ResultURL)
}

func failedJob(t *testing.T, f *fixture) *models.GenerationJob {
	t.Helper()
	f.engine.fail(errors.New("connection refused"))
	job, err := f.svc.Trigger(context.Background(), f.user, videoInput())
	require.Error(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	f.engine.fail(nil)
	return job
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	f := newFixture(t, 50)
	job, err := f.svc.Trigger(context.Background(), f.user, videoInput())
	require.NoError(t, err)

	_, err = f.svc.Retry(context.Background(), f.user, job.ID)
	assert.ErrorIs(t, err, services.ErrRetryNotAllowed)
}

func TestRetry_ResetsAndDispatches(t *testing.T) {
	f := newFixture(t, 50)
	job := failedJob(t, f)

	retried, err := f.svc.Retry(context.Background(), f.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, stages.Init, retried.Stage)
	assert.Nil(t, retried.ErrorMessage)
	assert.Nil(t, retried.CompletedAt)
	assert.Len(t, f.engine.calls, 2)
	assert.Equal(t, 40, f.balance(t))
}

func TestRetry_DispatchFailureRevertsToFailed(t *testing.T) {
	f := newFixture(t, 50)
	job := failedJob(t, f)
	f.engine.fail(context.DeadlineExceeded)

	out, err := f.svc.Retry(context.Background(), f.user, job.ID)
	var invErr *services.EngineInvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, "generation service timed out", out.Error())

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 50, f.balance(t))
}

func TestRetry_OtherUsersJob(t *testing.T) {
	f := newFixture(t, 50)
	job := failedJob(t, f)

	_, err := f.svc.Retry(context.Background(), uuid.New(), job.ID)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	job, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, uuid.New(), job.ID)
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	cancelled, err := f.svc.Cancel(ctx, f.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.CancelledMessage, cancelled.Error())
	// credits are kept on cancel
	assert.Equal(t, 40, f.balance(t))

	_, err = f.svc.Cancel(ctx, f.user, job.ID)
	assert.ErrorIs(t, err, services.ErrCancelNotAllowed)

	// a late engine callback cannot revive it
	applied, err := f.svc.ApplyEngineUpdate(ctx, services.EngineUpdate{
		JobID:     job.ID,
		Status:    models.StatusCompleted,
		ResultURL: "https://cdn.test/late.mp4",
	})
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Nil(t, stored.ResultURL)
}

func TestApplyEngineUpdate_Progression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	job, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)

	applied, err := f.svc.ApplyEngineUpdate(ctx, services.EngineUpdate{JobID: job.ID, Stage: stages.VideoGeneration})
	require.NoError(t, err)
	assert.True(t, applied)

	// an out-of-order report for an earlier stage is ignored
	applied, err = f.svc.ApplyEngineUpdate(ctx, services.EngineUpdate{JobID: job.ID, Stage: stages.ScriptGeneration})
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stages.VideoGeneration, stored.Stage)
	assert.Equal(t, models.StatusProcessing, stored.Status)

	_, err = f.svc.ApplyEngineUpdate(ctx, services.EngineUpdate{JobID: job.ID, Stage: "not_a_stage"})
	var vErr *services.ValidationError
	assert.ErrorAs(t, err, &vErr)

	applied, err = f.svc.ApplyEngineUpdate(ctx, services.EngineUpdate{
		JobID:     job.ID,
		Status:    models.StatusCompleted,
		ResultURL: "https://cdn.test/final.mp4",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	stored, err = f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, stages.Completed, stored.Stage)
	assert.NotNil(t, stored.CompletedAt)
}

func TestApplyEngineUpdate_FailureRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	job, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)
	require.Equal(t, 40, f.balance(t))

	applied, err := f.svc.ApplyEngineUpdate(ctx, services.EngineUpdate{
		JobID:        job.ID,
		Status:       models.StatusFailed,
		ErrorMessage: "render crashed",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 50, f.balance(t))

	entries, err := f.svc.LedgerEntries(ctx, f.user, job.ID)
	require.NoError(t, err)
	assert.Zero(t, ledger.Net(entries))
}

func TestMarkStalled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	job, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)

	marked, err := f.svc.MarkStalled(ctx, job.ID, stall.TimeoutMessage(stages.KindVideo, 5*time.Minute))
	require.NoError(t, err)
	assert.True(t, marked)
	assert.Equal(t, 50, f.balance(t))

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error(), "timed out")

	marked, err = f.svc.MarkStalled(ctx, job.ID, "again")
	require.NoError(t, err)
	assert.False(t, marked)
	assert.Equal(t, 50, f.balance(t))
}

func TestStallSweeper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	past := time.Now().Add(-time.Hour)
	f.store.SetClock(func() time.Time { return past })
	old, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)
	f.store.SetClock(time.Now)

	fresh, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)

	sweeper := services.NewStallSweeper(f.svc, stall.NewDetector(stall.DefaultBudgets(), nil), time.Minute, logger.Nop())
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetJob(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)

	stored, err = f.store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 90, f.balance(t))
}

func TestTrigger_FailureCallbackDuringDispatchIsRefunded(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.engine.during = func(req engine.Request) {
		applied, err := f.svc.ApplyEngineUpdate(ctx, services.EngineUpdate{
			JobID:        req.JobID,
			Status:       models.StatusFailed,
			ErrorMessage: "model unavailable",
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	job, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "model unavailable", job.Error())

	assert.Equal(t, 50, f.balance(t))
	entries, err := f.svc.LedgerEntries(ctx, f.user, job.ID)
	require.NoError(t, err)
	assert.Zero(t, ledger.Net(entries))
}

func TestTrigger_StallDuringDispatchIsRefunded(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.engine.during = func(req engine.Request) {
		marked, err := f.svc.MarkStalled(ctx, req.JobID, stall.TimeoutMessage(stages.KindVideo, 5*time.Minute))
		require.NoError(t, err)
		require.True(t, marked)
	}

	job, err := f.svc.Trigger(ctx, f.user, videoInput())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 50, f.balance(t))
}
