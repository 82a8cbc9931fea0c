package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Workflow engine
	EngineBaseURL        string
	EngineAPIKey         string
	EngineAuthHeader     string
	EngineVideoPath      string
	EngineImagePath      string
	EngineStoryboardPath string
	EngineScenePath      string
	EngineWebhookToken   string

	// Supabase
	SupabaseURL            string
	SupabasePublishableKey string
	SupabaseJWTSecret      string
	SupabaseStorageBucket  string

	// Database
	DatabaseURL string

	// Push channel: "postgres", "redis" or "none"
	ChangeFeed string
	RedisAddr  string
	// Reconciler poll reads: "sql" (DATABASE_URL) or "rest" (PostgREST)
	PollSource string

	// Generated media removal: "supabase" or "s3"
	ArtifactBackend string
	S3Bucket        string
	S3Prefix        string
	AWSRegion       string

	// Reconciler
	PollInterval         time.Duration
	PushHealthInterval   time.Duration
	PushFallbackWindow   time.Duration
	StallTick            time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
	TerminalGrace        time.Duration

	// Stall budgets per job kind
	VideoTimeout      time.Duration
	ImageTimeout      time.Duration
	StoryboardTimeout time.Duration

	// Credit costs
	CostVideo      int
	CostImage      int
	CostStoryboard int
	CostSceneClip  int

	// Server
	Port        string
	Environment string
	BaseURL     string
}

func Load() (*Config, error) {
	cfg := &Config{
		EngineBaseURL:        getEnv("ENGINE_BASE_URL", ""),
		EngineAPIKey:         getEnv("ENGINE_API_KEY", ""),
		EngineAuthHeader:     getEnv("ENGINE_AUTH_HEADER", "x-api-key"),
		EngineVideoPath:      getEnv("ENGINE_VIDEO_PATH", "/webhook/generate-video"),
		EngineImagePath:      getEnv("ENGINE_IMAGE_PATH", "/webhook/generate-image"),
		EngineStoryboardPath: getEnv("ENGINE_STORYBOARD_PATH", "/webhook/generate-storyboard"),
		EngineScenePath:      getEnv("ENGINE_SCENE_PATH", "/webhook/generate-scene"),
		EngineWebhookToken:   getEnv("ENGINE_WEBHOOK_TOKEN", ""),

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabasePublishableKey: getEnv("SUPABASE_PUBLISHABLE_KEY", ""),
		SupabaseJWTSecret:      getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "generated-media"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		ChangeFeed: strings.ToLower(getEnv("CHANGE_FEED", "postgres")),
		RedisAddr:  getEnv("REDIS_ADDR", ""),
		PollSource: strings.ToLower(getEnv("POLL_SOURCE", "sql")),

		ArtifactBackend: strings.ToLower(getEnv("ARTIFACT_BACKEND", "supabase")),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		AWSRegion:       getEnv("AWS_REGION", ""),

		PollInterval:         getEnvDuration("POLL_INTERVAL", 3*time.Second),
		PushHealthInterval:   getEnvDuration("PUSH_HEALTH_INTERVAL", 10*time.Second),
		PushFallbackWindow:   getEnvDuration("PUSH_FALLBACK_WINDOW", 30*time.Second),
		StallTick:            getEnvDuration("STALL_TICK", 30*time.Second),
		ReconnectBase:        getEnvDuration("RECONNECT_BASE", time.Second),
		ReconnectCap:         getEnvDuration("RECONNECT_CAP", 30*time.Second),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		TerminalGrace:        getEnvDuration("TERMINAL_GRACE", 5*time.Second),

		VideoTimeout:      getEnvDuration("VIDEO_TIMEOUT", 5*time.Minute),
		ImageTimeout:      getEnvDuration("IMAGE_TIMEOUT", 5*time.Minute),
		StoryboardTimeout: getEnvDuration("STORYBOARD_TIMEOUT", 15*time.Minute),

		CostVideo:      getEnvInt("COST_VIDEO", 10),
		CostImage:      getEnvInt("COST_IMAGE", 2),
		CostStoryboard: getEnvInt("COST_STORYBOARD", 20),
		CostSceneClip:  getEnvInt("COST_SCENE_CLIP", 1),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EngineBaseURL == "" {
		return fmt.Errorf("ENGINE_BASE_URL is required")
	}
	if c.EngineAPIKey == "" {
		return fmt.Errorf("ENGINE_API_KEY is required")
	}
	if c.EngineWebhookToken == "" {
		return fmt.Errorf("ENGINE_WEBHOOK_TOKEN is required")
	}
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabasePublishableKey == "" {
		return fmt.Errorf("SUPABASE_PUBLISHABLE_KEY is required")
	}
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	switch c.ChangeFeed {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("CHANGE_FEED=postgres requires DATABASE_URL")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("CHANGE_FEED=redis requires REDIS_ADDR")
		}
	case "none":
	default:
		return fmt.Errorf("CHANGE_FEED must be one of postgres, redis, none (got %q)", c.ChangeFeed)
	}
	switch c.PollSource {
	case "sql", "":
	case "rest":
	default:
		return fmt.Errorf("POLL_SOURCE must be sql or rest (got %q)", c.PollSource)
	}
	switch c.ArtifactBackend {
	case "supabase":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("ARTIFACT_BACKEND=s3 requires S3_BUCKET")
		}
	default:
		return fmt.Errorf("ARTIFACT_BACKEND must be supabase or s3 (got %q)", c.ArtifactBackend)
	}
	if c.PollInterval <= 0 || c.PushHealthInterval <= 0 || c.StallTick <= 0 {
		return fmt.Errorf("reconciler intervals must be positive")
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("RECONNECT_CAP must be >= RECONNECT_BASE > 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return i
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
