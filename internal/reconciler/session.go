package reconciler

import (
	"context"
	"time"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
	"adreel-backend/internal/stages"
)

const stallPersistTimeout = 15 * time.Second

type pollResult struct {
	job       *models.GenerationJob
	scenes    []models.Scene
	startedAt time.Time
	err       error
}

// session is the single goroutine that owns a state. Every input, whether a
// poll result, a push event or a timer, is serialized through run.
type session struct {
	r   *Reconciler
	h   *Handle
	cb  Callbacks
	st  *state
	log *logger.Logger

	polling     bool
	pollResults chan pollResult

	sub        gateway.Subscription
	subEvents  <-chan gateway.Change
	lastPushAt time.Time
	attempts   int
	gaveUp     bool
	reconnect  *time.Timer
	reconnectC <-chan time.Time

	graceC <-chan time.Time
}

func (s *session) run(ctx context.Context) {
	opts := s.r.opts
	pollT := time.NewTicker(opts.PollInterval)
	healthT := time.NewTicker(opts.PushHealthInterval)
	stallT := time.NewTicker(opts.StallTick)
	defer func() {
		pollT.Stop()
		healthT.Stop()
		stallT.Stop()
		if s.reconnect != nil {
			s.reconnect.Stop()
		}
		s.closeSub()
		s.r.metrics.ObserverDetached()
		close(s.h.done)
	}()

	s.emit(true)
	if !s.st.status.Terminal() {
		s.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollT.C:
			s.startPoll(ctx)
		case res := <-s.pollResults:
			s.polling = false
			s.handlePoll(res)
		case change, ok := <-s.subEvents:
			if !ok {
				s.pushLost(ctx)
				continue
			}
			s.handlePush(change)
		case <-healthT.C:
			s.checkPushHealth()
		case <-s.reconnectC:
			s.reconnectC = nil
			s.subscribe(ctx)
			s.startPoll(ctx)
		case <-stallT.C:
			s.checkStall(ctx)
		case <-s.graceC:
			s.log.Debug("observer finished after terminal grace period")
			return
		}
	}
}

// startPoll issues one point read unless a previous one is still in flight.
func (s *session) startPoll(ctx context.Context) {
	if s.polling || s.st.status.Terminal() {
		return
	}
	s.polling = true
	started := s.r.opts.Now()
	jobID := s.h.jobID
	storyboard := s.st.kind == stages.KindStoryboard
	go func() {
		res := pollResult{startedAt: started}
		res.job, res.err = s.r.reader.GetJob(ctx, jobID)
		if res.err == nil && storyboard {
			res.scenes, res.err = s.r.reader.ListScenes(ctx, jobID)
		}
		select {
		case s.pollResults <- res:
		case <-ctx.Done():
		}
	}()
}

func (s *session) handlePoll(res pollResult) {
	if res.err != nil {
		s.r.metrics.IncUpdate("poll", "error")
		s.log.Warn("poll failed", "error", res.err)
		return
	}
	now := s.r.opts.Now()
	accepted := s.st.applyJob(*res.job, now)
	s.r.metrics.IncUpdate("poll", outcome(accepted))
	moved := false
	if s.st.kind == stages.KindStoryboard {
		moved = s.st.applySnapshot(res.scenes, res.startedAt, now)
	}
	if accepted || moved {
		s.emit(false)
	}
}

func (s *session) handlePush(change gateway.Change) {
	now := s.r.opts.Now()
	s.lastPushAt = now
	s.attempts = 0
	if s.st.pushDegraded {
		s.st.pushDegraded = false
		s.log.Info("push channel recovered")
	}
	if change.JobID != s.h.jobID {
		return
	}

	accepted := false
	switch change.Table {
	case gateway.TableJobs:
		if change.Job != nil && change.Type != gateway.ChangeDelete {
			accepted = s.st.applyJob(*change.Job, now)
		}
	case gateway.TableScenes:
		if change.Scene != nil {
			accepted = s.st.applyScene(change.Type, *change.Scene, now)
		}
	}
	s.r.metrics.IncUpdate("push", outcome(accepted))
	if accepted {
		s.emit(false)
	}
}

func (s *session) subscribe(ctx context.Context) {
	if s.r.feed == nil || s.gaveUp || ctx.Err() != nil {
		return
	}
	sub, err := s.r.feed.Subscribe(ctx, s.h.jobID)
	if err != nil {
		s.log.Warn("push subscribe failed", "error", err, "attempt", s.attempts)
		s.scheduleReconnect()
		return
	}
	s.sub = sub
	s.subEvents = sub.Events()
	s.lastPushAt = s.r.opts.Now()
	s.log.Debug("push channel subscribed")
}

func (s *session) closeSub() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Close(); err != nil {
		s.log.Debug("push subscription close failed", "error", err)
	}
	s.sub = nil
	s.subEvents = nil
}

func (s *session) pushLost(ctx context.Context) {
	var err error
	if s.sub != nil {
		err = s.sub.Err()
	}
	s.closeSub()
	if ctx.Err() != nil {
		return
	}
	s.r.metrics.IncPush("lost")
	s.log.Warn("push channel closed", "error", err)
	if !s.st.status.Terminal() {
		s.scheduleReconnect()
	}
}

// checkPushHealth flags a silent push channel as degraded. The subscription
// stays open: silence is not a failure, and the next event clears the flag.
func (s *session) checkPushHealth() {
	if s.sub == nil || s.st.pushDegraded || s.st.status.Terminal() {
		return
	}
	if s.r.opts.Now().Sub(s.lastPushAt) <= s.r.opts.PushFallbackWindow {
		return
	}
	s.r.metrics.IncPush("degraded")
	s.log.Warn("push channel silent, relying on polling", "window", s.r.opts.PushFallbackWindow)
	s.st.pushDegraded = true
	s.emit(false)
}

// scheduleReconnect arms min(base*2^attempt, cap) and gives up after the
// configured number of attempts.
func (s *session) scheduleReconnect() {
	if s.reconnectC != nil || s.gaveUp {
		return
	}
	opts := s.r.opts
	if s.attempts >= opts.MaxReconnects {
		s.gaveUp = true
		s.r.metrics.IncPush("give_up")
		s.log.Warn("push channel abandoned, continuing with polling only", "attempts", s.attempts)
		if !s.st.pushDegraded {
			s.st.pushDegraded = true
			s.emit(false)
		}
		return
	}
	delay := backoff(opts.ReconnectBase, opts.ReconnectCap, s.attempts)
	s.attempts++
	s.r.metrics.IncPush("reconnect")
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.reconnect = time.NewTimer(delay)
	s.reconnectC = s.reconnect.C
}

func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// checkStall fails a job that has made no observable progress within its budget.
func (s *session) checkStall(ctx context.Context) {
	kind, status := s.st.kind, s.st.status
	if !s.r.detector.Stalled(kind, status, s.st.lastObservedAt) {
		return
	}
	message := s.r.detector.Message(kind)
	s.st.failStalled(message)
	s.r.metrics.IncStall(string(kind))
	s.log.Warn("job stalled, forcing failure", "last_observed_at", s.st.lastObservedAt, "budget", s.r.detector.Budget(kind))
	s.emit(false)

	if hook := s.r.opts.OnStall; hook != nil {
		jobID := s.h.jobID
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stallPersistTimeout)
		go func() {
			defer cancel()
			hook(persistCtx, jobID, message)
		}()
	}
}

// emit publishes the current view and fires whichever one-shot callbacks are due.
func (s *session) emit(initial bool) {
	v := s.st.view(s.r.opts.Now())
	s.h.setView(v)
	s.h.fire(s.cb.OnChange, v)

	complete, failed := s.st.edges()
	if complete && s.h.fire(s.cb.OnComplete, v) {
		s.r.metrics.IncCallback("complete")
	}
	if failed && s.h.fire(s.cb.OnError, v) {
		s.r.metrics.IncCallback("error")
	}
	if v.IsTerminal && s.graceC == nil {
		s.closeSub()
		if s.reconnect != nil {
			s.reconnect.Stop()
			s.reconnectC = nil
		}
		s.graceC = time.After(s.r.opts.TerminalGrace)
		if !initial {
			s.log.Info("job reached terminal state", "status", v.Status, "error", v.ErrorMessage)
		}
	}
}

func outcome(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "stale"
}
