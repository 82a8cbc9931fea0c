package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/models"
	"adreel-backend/internal/services"
	"adreel-backend/internal/stages"
)

// gin's Stream needs a CloseNotifier, which httptest.ResponseRecorder is not.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func (e *env) stream(t *testing.T, path string) string {
	t.Helper()
	req, _ := http.NewRequest("GET", path, nil)
	req.Header.Set("X-Test-User", e.user.String())
	w := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.router.ServeHTTP(w, req)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("event stream did not close")
	}
	return w.Body.String()
}

func TestEvents_SettledJobStreamsViewThenTerminal(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindVideo)

	w := webhook(e, webhookToken, services.EngineUpdate{JobID: job.ID, Status: models.StatusCompleted, ResultURL: "https://cdn.test/ad.mp4"})
	require.Equal(t, http.StatusOK, w.Code)

	body := e.stream(t, "/api/v1/jobs/"+job.ID.String()+"/events")
	assert.Contains(t, body, "event:view")
	assert.Contains(t, body, "event:completed")
	assert.Equal(t, 1, strings.Count(body, "event:completed"))
	assert.NotContains(t, body, "event:failed")
	assert.Less(t, strings.Index(body, "event:view"), strings.Index(body, "event:completed"))
}

func TestEvents_LiveJobReachesFailure(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindImage)

	go func() {
		time.Sleep(50 * time.Millisecond)
		webhook(e, webhookToken, services.EngineUpdate{JobID: job.ID, Status: models.StatusFailed, ErrorMessage: "upscaler crashed"})
	}()

	body := e.stream(t, "/api/v1/jobs/"+job.ID.String()+"/events")
	assert.Contains(t, body, "event:failed")
	assert.Contains(t, body, "upscaler crashed")
}

func TestEvents_ForeignJob(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindVideo)

	req, _ := http.NewRequest("GET", "/api/v1/jobs/"+job.ID.String()+"/events", nil)
	req.Header.Set("X-Test-User", "00000000-0000-0000-0000-000000000001")
	w := newStreamRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
