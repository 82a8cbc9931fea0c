package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"adreel-backend/internal/artifacts"
	"adreel-backend/internal/config"
	"adreel-backend/internal/database"
	"adreel-backend/internal/engine"
	"adreel-backend/internal/eventbus"
	"adreel-backend/internal/gateway"
	"adreel-backend/internal/gateway/memstore"
	"adreel-backend/internal/handlers"
	"adreel-backend/internal/ledger"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/middleware"
	"adreel-backend/internal/observability"
	"adreel-backend/internal/reconciler"
	"adreel-backend/internal/scenes"
	"adreel-backend/internal/services"
	"adreel-backend/internal/stall"
	"adreel-backend/internal/supabase"
)

// store is everything the job service needs from persistence.
type store interface {
	gateway.JobStore
	gateway.SceneStore
	ledger.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("Failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		os.Stderr.WriteString("Failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	checks := map[string]handlers.HealthCheck{}

	// Persistence
	var db store
	var feed gateway.ChangeFeed
	if cfg.DatabaseURL != "" {
		dbClient, err := supabase.NewDatabaseClient(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}
		defer dbClient.Close()

		if err := database.NewMigrator(dbClient.DB(), log).Run(ctx); err != nil {
			log.Fatal("migrations failed", "error", err)
		}
		db = dbClient
		checks["database"] = dbClient.Ping
	} else {
		log.Warn("DATABASE_URL not set, using the in-memory store; data is lost on restart")
		mem := memstore.New()
		db = mem
		feed = mem
	}

	supabaseClient, err := supabase.NewClient(cfg)
	if err != nil {
		log.Fatal("failed to initialize Supabase client", "error", err)
	}
	storageClient, err := supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabasePublishableKey, cfg.SupabaseStorageBucket)
	if err != nil {
		log.Fatal("failed to initialize storage client", "error", err)
	}

	var reader gateway.JobReader = db
	if cfg.PollSource == "rest" {
		reader = supabase.NewRestStore(supabaseClient)
	}

	// Push channel
	var publisher services.Publisher
	switch cfg.ChangeFeed {
	case "postgres":
		feed = supabase.NewRealtimeClient(cfg.DatabaseURL, log)
	case "redis":
		bus, err := eventbus.NewRedisFeed(cfg.RedisAddr, log)
		if err != nil {
			log.Fatal("failed to connect to redis", "error", err)
		}
		defer bus.Close()
		feed = bus
		publisher = bus
		checks["redis"] = bus.Ping
	}

	// Generated media removal
	var remover scenes.ArtifactRemover = storageClient
	if cfg.ArtifactBackend == "s3" {
		s3Remover, err := artifacts.NewS3Remover(ctx, artifacts.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.AWSRegion,
		})
		if err != nil {
			log.Fatal("failed to initialize S3 client", "error", err)
		}
		remover = s3Remover
	}

	engineClient := engine.NewClient(engine.Config{
		BaseURL:    cfg.EngineBaseURL,
		APIKey:     cfg.EngineAPIKey,
		AuthHeader: cfg.EngineAuthHeader,
		Paths: map[engine.Operation]string{
			engine.OpVideo:      cfg.EngineVideoPath,
			engine.OpImage:      cfg.EngineImagePath,
			engine.OpStoryboard: cfg.EngineStoryboardPath,
			engine.OpScene:      cfg.EngineScenePath,
		},
	})

	jobService := services.NewJobService(db, db, ledger.New(db, log), engineClient, services.Options{
		Costs: services.Costs{
			Video:      cfg.CostVideo,
			Image:      cfg.CostImage,
			Storyboard: cfg.CostStoryboard,
			SceneClip:  cfg.CostSceneClip,
		},
		CallbackURL: cfg.BaseURL + "/api/v1/webhooks/engine",
		Publisher:   publisher,
		Metrics:     metrics,
	}, log)

	budgets := stall.Budgets{
		Video:      cfg.VideoTimeout,
		Image:      cfg.ImageTimeout,
		Storyboard: cfg.StoryboardTimeout,
	}
	rec := reconciler.New(reader, feed, reconciler.Options{
		PollInterval:       cfg.PollInterval,
		PushHealthInterval: cfg.PushHealthInterval,
		PushFallbackWindow: cfg.PushFallbackWindow,
		StallTick:          cfg.StallTick,
		ReconnectBase:      cfg.ReconnectBase,
		ReconnectCap:       cfg.ReconnectCap,
		MaxReconnects:      cfg.ReconnectMaxAttempts,
		TerminalGrace:      cfg.TerminalGrace,
		Budgets:            budgets,
		OnStall: func(ctx context.Context, jobID uuid.UUID, message string) {
			if _, err := jobService.MarkStalled(ctx, jobID, message); err != nil {
				log.Error("failed to mark stalled job", "job_id", jobID, "error", err)
			}
		},
	}, log, metrics)
	sweeper := services.NewStallSweeper(jobService, stall.NewDetector(budgets, nil), cfg.StallTick, log)

	// Handlers
	jobsHandler := handlers.NewJobsHandler(jobService, rec)
	eventsHandler := handlers.NewEventsHandler(jobService, rec, log)
	scenesHandler := handlers.NewScenesHandler(jobService, scenes.NewManager(db, remover, log))
	uploadsHandler := handlers.NewUploadsHandler(storageClient, log)
	webhookHandler := handlers.NewWebhookHandler(cfg.EngineWebhookToken, jobService, log)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET("/health", handlers.HealthHandler(checks))
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	// Engine callbacks authenticate with the shared token, not a user JWT
	router.POST("/api/v1/webhooks/engine", webhookHandler.HandleEngineCallback)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))

	api.POST("/uploads", uploadsHandler.Upload)
	api.GET("/credits", jobsHandler.Credits)

	api.POST("/jobs", jobsHandler.Trigger)
	api.GET("/jobs", jobsHandler.List)
	api.GET("/jobs/:job_id", jobsHandler.Get)
	api.POST("/jobs/:job_id/retry", jobsHandler.Retry)
	api.POST("/jobs/:job_id/cancel", jobsHandler.Cancel)
	api.GET("/jobs/:job_id/events", eventsHandler.Stream)
	api.GET("/jobs/:job_id/ledger", jobsHandler.Ledger)

	api.GET("/jobs/:job_id/scenes", scenesHandler.List)
	api.POST("/jobs/:job_id/scenes", scenesHandler.Insert)
	api.PUT("/jobs/:job_id/scenes/order", scenesHandler.Reorder)
	api.DELETE("/jobs/:job_id/scenes/:scene_id", scenesHandler.Delete)
	api.POST("/jobs/:job_id/scenes/:scene_id/move", scenesHandler.Move)
	api.POST("/jobs/:job_id/scenes/:scene_id/duplicate", scenesHandler.Duplicate)
	api.POST("/jobs/:job_id/scenes/:scene_id/generate", scenesHandler.Generate)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "port", cfg.Port, "change_feed", cfg.ChangeFeed, "poll_source", cfg.PollSource)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
