package supabase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/config"
	"adreel-backend/internal/supabase"
)

func TestNewClient_RequiresProjectAndKey(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"no url", config.Config{SupabasePublishableKey: "anon"}},
		{"no key", config.Config{SupabaseURL: "https://project.supabase.co"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := supabase.NewClient(&tt.cfg)
			assert.Error(t, err)
		})
	}

	client, err := supabase.NewClient(&config.Config{
		SupabaseURL:            "https://project.supabase.co/",
		SupabasePublishableKey: "anon",
	})
	require.NoError(t, err)
	assert.NotNil(t, client.From("generation_jobs"))
}
