// Package reconciler keeps a live, monotonic view of one generation job by
// merging a periodic point read with a best-effort push feed.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
	"adreel-backend/internal/observability"
	"adreel-backend/internal/stages"
	"adreel-backend/internal/stall"
)

// Options tune one reconciler. Zero values fall back to DefaultOptions.
type Options struct {
	PollInterval       time.Duration
	PushHealthInterval time.Duration
	PushFallbackWindow time.Duration
	StallTick          time.Duration
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	MaxReconnects      int
	TerminalGrace      time.Duration
	Budgets            stall.Budgets
	Now                func() time.Time
	// OnStall persists a stall-timeout failure. It runs off the observer's
	// goroutine and outlives a detach.
	OnStall func(ctx context.Context, jobID uuid.UUID, message string)
}

func DefaultOptions() Options {
	return Options{
		PollInterval:       3 * time.Second,
		PushHealthInterval: 10 * time.Second,
		PushFallbackWindow: 30 * time.Second,
		StallTick:          30 * time.Second,
		ReconnectBase:      time.Second,
		ReconnectCap:       30 * time.Second,
		MaxReconnects:      5,
		TerminalGrace:      5 * time.Second,
		Budgets:            stall.DefaultBudgets(),
		Now:                time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.PushHealthInterval <= 0 {
		o.PushHealthInterval = def.PushHealthInterval
	}
	if o.PushFallbackWindow <= 0 {
		o.PushFallbackWindow = def.PushFallbackWindow
	}
	if o.StallTick <= 0 {
		o.StallTick = def.StallTick
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = def.ReconnectBase
	}
	if o.ReconnectCap < o.ReconnectBase {
		o.ReconnectCap = def.ReconnectCap
		if o.ReconnectCap < o.ReconnectBase {
			o.ReconnectCap = o.ReconnectBase
		}
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = def.MaxReconnects
	}
	if o.TerminalGrace <= 0 {
		o.TerminalGrace = def.TerminalGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Callbacks receive views on the observer goroutine. OnComplete and OnError
// fire at most once per attachment; OnChange fires on every accepted update.
type Callbacks struct {
	OnChange   func(View)
	OnComplete func(View)
	OnError    func(View)
}

type Reconciler struct {
	reader   gateway.JobReader
	feed     gateway.ChangeFeed
	opts     Options
	detector *stall.Detector
	log      *logger.Logger
	metrics  *observability.Metrics
}

// New builds a reconciler. feed may be nil, in which case observers rely on
// polling alone.
func New(reader gateway.JobReader, feed gateway.ChangeFeed, opts Options, log *logger.Logger, metrics *observability.Metrics) *Reconciler {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		reader:   reader,
		feed:     feed,
		opts:     opts,
		detector: stall.NewDetector(opts.Budgets, opts.Now),
		log:      log,
		metrics:  metrics,
	}
}

// Attach reads the job once and starts observing it until ctx ends, Detach is
// called, or the job settles and the grace period elapses.
func (r *Reconciler) Attach(ctx context.Context, jobID uuid.UUID, cb Callbacks) (*Handle, error) {
	st, job, now, err := r.read(ctx, jobID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
		view:   st.view(now),
	}
	s := &session{
		r:           r,
		h:           h,
		cb:          cb,
		st:          st,
		log:         r.log.With("job_id", jobID.String(), "kind", string(job.Kind)),
		pollResults: make(chan pollResult, 1),
	}
	r.metrics.ObserverAttached()
	go s.run(runCtx)
	return h, nil
}

// Snapshot returns the merged view of a single read without observing the job.
func (r *Reconciler) Snapshot(ctx context.Context, jobID uuid.UUID) (View, error) {
	st, _, now, err := r.read(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	return st.view(now), nil
}

func (r *Reconciler) read(ctx context.Context, jobID uuid.UUID) (*state, *models.GenerationJob, time.Time, error) {
	job, err := r.reader.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if !job.Kind.Valid() {
		return nil, nil, time.Time{}, fmt.Errorf("job %s has unknown kind %q", jobID, job.Kind)
	}

	st := newState(jobID, job.Kind)
	now := r.opts.Now()
	st.applyJob(*job, now)
	if job.Kind == stages.KindStoryboard {
		list, err := r.reader.ListScenes(ctx, jobID)
		if err != nil {
			return nil, nil, time.Time{}, fmt.Errorf("failed to read scenes for job %s: %w", jobID, err)
		}
		st.applySnapshot(list, now, now)
	}
	return st, job, now, nil
}

// Handle is one attachment. It is safe for concurrent use.
type Handle struct {
	jobID  uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}

	detached    atomic.Bool
	dispatching atomic.Bool

	mu   sync.RWMutex
	view View
}

func (h *Handle) JobID() uuid.UUID { return h.jobID }

// View returns the latest merged view.
func (h *Handle) View() View {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view
}

// Done is closed once the observer goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Detach stops observation. No callback starts after Detach returns; one
// already running on another goroutine may still finish. Detach waits for the
// loop to exit unless a callback is in flight, so it is safe to call from one.
func (h *Handle) Detach() {
	if h.detached.Swap(true) {
		return
	}
	h.cancel()
	if !h.dispatching.Load() {
		<-h.done
	}
}

func (h *Handle) setView(v View) {
	h.mu.Lock()
	h.view = v
	h.mu.Unlock()
}

// fire runs fn unless the handle was detached. dispatching is raised before
// the detached check so a concurrent Detach either waits or is observed here.
func (h *Handle) fire(fn func(View), v View) bool {
	if fn == nil {
		return false
	}
	h.dispatching.Store(true)
	defer h.dispatching.Store(false)
	if h.detached.Load() {
		return false
	}
	fn(v)
	return true
}
