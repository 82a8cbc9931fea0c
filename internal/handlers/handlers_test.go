package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/engine"
	"adreel-backend/internal/gateway/memstore"
	"adreel-backend/internal/handlers"
	"adreel-backend/internal/ledger"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/middleware"
	"adreel-backend/internal/models"
	"adreel-backend/internal/reconciler"
	"adreel-backend/internal/scenes"
	"adreel-backend/internal/services"
	"adreel-backend/internal/stages"
)

const webhookToken = "engine-callback-token"

type okEngine struct{}

func (okEngine) Dispatch(ctx context.Context, op engine.Operation, req engine.Request) (*engine.Response, error) {
	return &engine.Response{Success: true}, nil
}

type env struct {
	store  *memstore.Store
	svc    *services.JobService
	router *gin.Engine
	user   uuid.UUID
}

func newEnv(t *testing.T, balance int) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	log := logger.Nop()
	svc := services.NewJobService(store, store, ledger.New(store, log), okEngine{}, services.Options{
		Costs: services.Costs{Video: 10, Image: 2, Storyboard: 20, SceneClip: 1},
	}, log)
	rec := reconciler.New(store, store, reconciler.Options{
		PollInterval:       20 * time.Millisecond,
		PushHealthInterval: time.Hour,
		PushFallbackWindow: time.Hour,
		StallTick:          time.Hour,
		TerminalGrace:      10 * time.Millisecond,
	}, log, nil)

	user := uuid.New()
	store.Grant(user, balance)

	jobsH := handlers.NewJobsHandler(svc, rec)
	scenesH := handlers.NewScenesHandler(svc, scenes.NewManager(store, nil, log))
	eventsH := handlers.NewEventsHandler(svc, rec, log)
	webhookH := handlers.NewWebhookHandler(webhookToken, svc, log)

	router := gin.New()
	router.GET("/health", handlers.HealthHandler(nil))
	router.POST("/api/v1/webhooks/engine", webhookH.HandleEngineCallback)

	api := router.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader("X-Test-User")); err == nil {
			c.Set(middleware.UserIDKey, id)
		}
		c.Next()
	})
	api.GET("/credits", jobsH.Credits)
	api.POST("/jobs", jobsH.Trigger)
	api.GET("/jobs", jobsH.List)
	api.GET("/jobs/:job_id", jobsH.Get)
	api.POST("/jobs/:job_id/retry", jobsH.Retry)
	api.POST("/jobs/:job_id/cancel", jobsH.Cancel)
	api.GET("/jobs/:job_id/ledger", jobsH.Ledger)
	api.GET("/jobs/:job_id/events", eventsH.Stream)
	api.GET("/jobs/:job_id/scenes", scenesH.List)
	api.POST("/jobs/:job_id/scenes", scenesH.Insert)
	api.PUT("/jobs/:job_id/scenes/order", scenesH.Reorder)
	api.DELETE("/jobs/:job_id/scenes/:scene_id", scenesH.Delete)
	api.POST("/jobs/:job_id/scenes/:scene_id/move", scenesH.Move)
	api.POST("/jobs/:job_id/scenes/:scene_id/duplicate", scenesH.Duplicate)
	api.POST("/jobs/:job_id/scenes/:scene_id/generate", scenesH.Generate)

	return &env{store: store, svc: svc, router: router, user: user}
}

func (e *env) do(method, path string, body interface{}, user uuid.UUID) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set("X-Test-User", user.String())
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) trigger(t *testing.T, kind stages.Kind) models.GenerationJob {
	t.Helper()
	w := e.do("POST", "/api/v1/jobs", models.TriggerJobRequest{
		Kind:           string(kind),
		SourceImageURL: "https://cdn.test/product.png",
	}, e.user)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job models.GenerationJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	return job
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/health", handlers.HealthHandler(nil))
	router.GET("/health/db", handlers.HealthHandler(map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return errors.New("connection refused") },
	}))

	req, _ := http.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")

	req, _ = http.NewRequest("GET", "/health/db", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestJobs_TriggerAndRead(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindVideo)
	assert.Equal(t, models.StatusPending, job.Status)

	credits := decode[models.CreditsResponse](t, e.do("GET", "/api/v1/credits", nil, e.user))
	assert.Equal(t, 40, credits.Balance)

	list := decode[models.JobListResponse](t, e.do("GET", "/api/v1/jobs", nil, e.user))
	require.Len(t, list.Jobs, 1)

	w := e.do("GET", "/api/v1/jobs/"+job.ID.String(), nil, e.user)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[reconciler.View](t, w)
	assert.Equal(t, job.ID, view.JobID)
	assert.Equal(t, stages.Init, view.Stage)

	entries := decode[models.LedgerResponse](t, e.do("GET", "/api/v1/jobs/"+job.ID.String()+"/ledger", nil, e.user))
	assert.Equal(t, -10, entries.Net)
}

func TestJobs_ErrorMapping(t *testing.T) {
	e := newEnv(t, 15)
	job := e.trigger(t, stages.KindVideo)
	other := uuid.New()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		user   uuid.UUID
		want   int
	}{
		{"no user", "GET", "/api/v1/jobs", nil, uuid.Nil, http.StatusUnauthorized},
		{"bad job id", "GET", "/api/v1/jobs/not-a-uuid", nil, e.user, http.StatusBadRequest},
		{"foreign job", "GET", "/api/v1/jobs/" + job.ID.String(), nil, other, http.StatusNotFound},
		{"unknown kind", "POST", "/api/v1/jobs", models.TriggerJobRequest{Kind: "podcast"}, e.user, http.StatusBadRequest},
		{"insufficient credits", "POST", "/api/v1/jobs", models.TriggerJobRequest{Kind: "video", SourceImageURL: "https://cdn.test/p.png"}, e.user, http.StatusPaymentRequired},
		{"retry active job", "POST", "/api/v1/jobs/" + job.ID.String() + "/retry", nil, e.user, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(tt.method, tt.path, tt.body, tt.user)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if w.Code >= 400 {
				assert.NotEmpty(t, decode[models.ErrorResponse](t, w).Error)
			}
		})
	}
}

func TestJobs_CancelOnce(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindImage)

	w := e.do("POST", "/api/v1/jobs/"+job.ID.String()+"/cancel", nil, e.user)
	require.Equal(t, http.StatusOK, w.Code)
	cancelled := decode[models.GenerationJob](t, w)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.CancelledMessage, cancelled.Error())

	w = e.do("POST", "/api/v1/jobs/"+job.ID.String()+"/cancel", nil, e.user)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func webhook(e *env, token string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", "/api/v1/webhooks/engine", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestWebhook(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindVideo)

	assert.Equal(t, http.StatusUnauthorized, webhook(e, "", map[string]string{}).Code)
	assert.Equal(t, http.StatusUnauthorized, webhook(e, "wrong", map[string]string{}).Code)

	w := webhook(e, webhookToken, services.EngineUpdate{JobID: job.ID, Status: models.StatusProcessing, Stage: stages.VideoGeneration})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"ok","applied":true}`, w.Body.String())

	// an earlier stage arriving late is acknowledged but not applied
	w = webhook(e, webhookToken, services.EngineUpdate{JobID: job.ID, Status: models.StatusProcessing, Stage: stages.ImageRefinement})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","applied":false}`, w.Body.String())

	w = webhook(e, webhookToken, services.EngineUpdate{JobID: job.ID, Stage: "teleporting"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = webhook(e, webhookToken, services.EngineUpdate{JobID: uuid.New(), Status: models.StatusCompleted})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_UnconfiguredTokenRejectsEverything(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindVideo)

	router := gin.New()
	router.POST("/api/v1/webhooks/engine", handlers.NewWebhookHandler("", e.svc, logger.Nop()).HandleEngineCallback)
	e.router = router

	for _, token := range []string{"anything", " "} {
		w := webhook(e, token, services.EngineUpdate{JobID: job.ID, Status: models.StatusCompleted})
		assert.Equal(t, http.StatusUnauthorized, w.Code, token)
	}

	stored, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestScenes(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindStoryboard)
	base := "/api/v1/jobs/" + job.ID.String() + "/scenes"

	w := e.do("POST", base, models.InsertScenesRequest{Scenes: []models.SceneDraft{
		{Title: "Hook", Prompt: "close-up of the product"},
		{Title: "Demo", Prompt: "hands using the product"},
		{Title: "Call to action", Prompt: "logo on white"},
	}}, e.user)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.ScenesResponse](t, w).Scenes
	require.Len(t, created, 3)

	first, last := created[0].ID.String(), created[2].ID.String()

	w = e.do("POST", base+"/"+first+"/move", models.MoveSceneRequest{Direction: "up"}, e.user)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do("POST", base+"/"+first+"/move", models.MoveSceneRequest{Direction: "sideways"}, e.user)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("PUT", base+"/order", models.ReorderScenesRequest{SceneIDs: []uuid.UUID{created[0].ID}}, e.user)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("PUT", base+"/order", models.ReorderScenesRequest{SceneIDs: []uuid.UUID{created[2].ID, created[0].ID, created[1].ID}}, e.user)
	require.Equal(t, http.StatusOK, w.Code)
	reordered := decode[models.ScenesResponse](t, w).Scenes
	assert.Equal(t, created[2].ID, reordered[0].ID)

	w = e.do("POST", base+"/"+last+"/duplicate", nil, e.user)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	dup := decode[models.Scene](t, w)
	assert.Equal(t, 2, dup.SceneOrder)

	w = e.do("POST", base+"/"+first+"/generate", models.GenerateSceneMediaRequest{Media: "clip"}, e.user)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do("DELETE", base+"/"+first, nil, e.user)
	assert.Equal(t, http.StatusNoContent, w.Code)

	list := decode[models.ScenesResponse](t, e.do("GET", base, nil, e.user)).Scenes
	require.Len(t, list, 3)
	for i, s := range list {
		assert.Equal(t, i+1, s.SceneOrder)
	}
}

func TestScenes_OnlyStoryboards(t *testing.T) {
	e := newEnv(t, 50)
	job := e.trigger(t, stages.KindVideo)

	w := e.do("GET", "/api/v1/jobs/"+job.ID.String()+"/scenes", nil, e.user)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("GET", "/api/v1/jobs/"+job.ID.String()+"/scenes", nil, uuid.New())
	assert.Equal(t, http.StatusNotFound, w.Code)
}
