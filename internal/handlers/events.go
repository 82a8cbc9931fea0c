package handlers

import (
	"context"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"adreel-backend/internal/logger"
	"adreel-backend/internal/reconciler"
	"adreel-backend/internal/services"
)

// Observer attaches a live reconciler to a job.
type Observer interface {
	Attach(ctx context.Context, jobID uuid.UUID, cb reconciler.Callbacks) (*reconciler.Handle, error)
}

type EventsHandler struct {
	jobs      *services.JobService
	observer  Observer
	keepAlive time.Duration
	log       *logger.Logger
}

func NewEventsHandler(jobs *services.JobService, observer Observer, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		jobs:      jobs,
		observer:  observer,
		keepAlive: 15 * time.Second,
		log:       log.With("component", "EventsHandler"),
	}
}

type terminalEvent struct {
	name string
	view reconciler.View
}

// Stream sends "view" events while the job runs, then exactly one
// "completed" or "failed" event, and closes. A client disconnect detaches.
func (h *EventsHandler) Stream(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	jobID, ok := pathUUID(c, "job_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.jobs.Get(ctx, userID, jobID); err != nil {
		writeError(c, "failed to observe job", err)
		return
	}

	views := make(chan reconciler.View, 32)
	terminal := make(chan terminalEvent, 1)
	handle, err := h.observer.Attach(ctx, jobID, reconciler.Callbacks{
		OnChange: func(v reconciler.View) {
			offerLatest(views, v)
		},
		OnComplete: func(v reconciler.View) {
			select {
			case terminal <- terminalEvent{name: "completed", view: v}:
			default:
			}
		},
		OnError: func(v reconciler.View) {
			select {
			case terminal <- terminalEvent{name: "failed", view: v}:
			default:
			}
		},
	})
	if err != nil {
		writeError(c, "failed to observe job", err)
		return
	}
	defer handle.Detach()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case v := <-views:
			c.SSEvent("view", v)
			return true
		case ev := <-terminal:
			h.finish(c, views, ev)
			return false
		case <-handle.Done():
			select {
			case ev := <-terminal:
				h.finish(c, views, ev)
			default:
			}
			return false
		case <-ping.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
	h.log.Debug("event stream closed", "job_id", jobID)
}

// finish flushes views emitted before the terminal edge, then the edge itself.
func (h *EventsHandler) finish(c *gin.Context, views <-chan reconciler.View, ev terminalEvent) {
drain:
	for {
		select {
		case v := <-views:
			c.SSEvent("view", v)
		default:
			break drain
		}
	}
	c.SSEvent(ev.name, ev.view)
}

// offerLatest queues v without blocking. When the client is behind, the
// oldest queued view is dropped so the newest one always gets through.
func offerLatest(views chan reconciler.View, v reconciler.View) {
	for {
		select {
		case views <- v:
			return
		default:
		}
		select {
		case <-views:
		default:
		}
	}
}
