package supabase

import (
	"fmt"
	"strings"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"adreel-backend/internal/config"
	"adreel-backend/internal/gateway"
)

// Client is the supabase-go handle for PostgREST reads. It authenticates with
// the publishable key, so row level security applies to every query.
type Client struct {
	api *supabase.Client
}

func NewClient(cfg *config.Config) (*Client, error) {
	project := strings.TrimSuffix(cfg.SupabaseURL, "/")
	if project == "" || cfg.SupabasePublishableKey == "" {
		return nil, fmt.Errorf("supabase url and publishable key are required")
	}

	api, err := supabase.NewClient(project, cfg.SupabasePublishableKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client for %s: %w", project, err)
	}
	return &Client{api: api}, nil
}

// From starts a PostgREST query on one of the generation tables.
func (c *Client) From(table gateway.Table) *postgrest.QueryBuilder {
	return c.api.From(string(table))
}
