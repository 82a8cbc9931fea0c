package supabase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/models"
)

// RestStore reads jobs and scenes through PostgREST. It gives the reconciler a
// poll path that does not share the SQL pool with the write side.
type RestStore struct {
	client *Client
}

func NewRestStore(client *Client) *RestStore {
	return &RestStore{client: client}
}

func (r *RestStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	var jobs []models.GenerationJob
	_, err := r.client.From(gateway.TableJobs).
		Select("*", "", false).
		Eq("id", jobID.String()).
		Limit(1, "").
		ExecuteTo(&jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, gateway.ErrNotFound
	}
	return &jobs[0], nil
}

func (r *RestStore) ListScenes(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error) {
	scenes := []models.Scene{}
	_, err := r.client.From(gateway.TableScenes).
		Select("*", "", false).
		Eq("job_id", jobID.String()).
		Order("scene_order", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&scenes)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	return scenes, nil
}
