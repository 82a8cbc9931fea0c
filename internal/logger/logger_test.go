package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/logger"
)

func TestLogger_RedactsSensitiveKeys(t *testing.T) {
	log, logs := logger.NewObserved()

	log.With("component", "test").Info("engine call", "job_id", "j-1", "api_key", "sk-123", "webhook_token", "abc")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "test", fields["component"])
	assert.Equal(t, "j-1", fields["job_id"])
	assert.Equal(t, "[REDACTED]", fields["api_key"])
	assert.Equal(t, "[REDACTED]", fields["webhook_token"])
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"development", "production"} {
		log, err := logger.New(mode)
		require.NoError(t, err)
		require.NotNil(t, log)
	}
}
