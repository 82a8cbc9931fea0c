package supabase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/models"
)

// DatabaseClient is the SQL implementation of the job, scene and ledger stores.
type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(connectionString string) (*DatabaseClient, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &DatabaseClient{db: db}, nil
}

// DB exposes the pool for the migrator and health checks.
func (d *DatabaseClient) DB() *sql.DB {
	return d.db
}

func (d *DatabaseClient) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

const jobColumns = `id, user_id, kind, status, stage, error_message, source_image_url,
	params, result_url, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var job models.GenerationJob
	var params []byte
	err := row.Scan(
		&job.ID, &job.UserID, &job.Kind, &job.Status, &job.Stage, &job.ErrorMessage,
		&job.SourceImageURL, &params, &job.ResultURL, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		job.Params = params
	}
	return &job, nil
}

func (d *DatabaseClient) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	params := "{}"
	if len(job.Params) > 0 {
		params = string(job.Params)
	}

	row := d.db.QueryRowContext(ctx, `
		INSERT INTO generation_jobs (id, user_id, kind, status, stage, source_image_url, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING `+jobColumns,
		job.ID, job.UserID, job.Kind, job.Status, job.Stage, job.SourceImageURL, params,
	)
	created, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	*job = *created
	return nil
}

func (d *DatabaseClient) GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := scanJob(d.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE id = $1
	`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (d *DatabaseClient) ListJobs(ctx context.Context, userID uuid.UUID) ([]models.GenerationJob, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListActiveJobs returns non-terminal jobs last touched before updatedBefore.
func (d *DatabaseClient) ListActiveJobs(ctx context.Context, updatedBefore time.Time) ([]models.GenerationJob, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
	`, pq.Array(statusStrings(models.ActiveStatuses)), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]models.GenerationJob, error) {
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies patch in a single statement guarded by expect, so two
// writers racing on the same row cannot both win.
func (d *DatabaseClient) UpdateJob(ctx context.Context, jobID uuid.UUID, patch gateway.Patch, expect gateway.Expect) (*models.GenerationJob, error) {
	sets := []string{"updated_at = now()"}
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Stage != nil {
		set("stage", string(*patch.Stage))
	}
	if patch.ErrorMessage != nil {
		set("error_message", *patch.ErrorMessage)
	} else if patch.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if patch.ResultURL != nil {
		set("result_url", *patch.ResultURL)
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	} else if patch.ClearCompletedAt {
		sets = append(sets, "completed_at = NULL")
	}

	args = append(args, jobID)
	where := []string{fmt.Sprintf("id = $%d", len(args))}
	if expect.UserID != nil {
		args = append(args, *expect.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(expect.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(expect.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := fmt.Sprintf(`
		UPDATE generation_jobs
		SET %s
		WHERE %s
		RETURNING %s`, strings.Join(sets, ", "), strings.Join(where, " AND "), jobColumns)

	job, err := scanJob(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.missedUpdate(ctx, jobID, expect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return job, nil
}

// missedUpdate tells a missing (or foreign) row apart from a lost status race.
func (d *DatabaseClient) missedUpdate(ctx context.Context, jobID uuid.UUID, expect gateway.Expect) error {
	var owner uuid.UUID
	err := d.db.QueryRowContext(ctx, `SELECT user_id FROM generation_jobs WHERE id = $1`, jobID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if expect.UserID != nil && owner != *expect.UserID {
		return gateway.ErrNotFound
	}
	return gateway.ErrConflict
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

const sceneColumns = `id, job_id, scene_order, title, description, prompt, duration_seconds,
	generation_status, image_url, clip_url, created_at, updated_at`

func scanScene(row rowScanner) (*models.Scene, error) {
	var scene models.Scene
	err := row.Scan(
		&scene.ID, &scene.JobID, &scene.SceneOrder, &scene.Title, &scene.Description, &scene.Prompt,
		&scene.DurationSeconds, &scene.GenerationStatus, &scene.ImageURL, &scene.ClipURL,
		&scene.CreatedAt, &scene.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &scene, nil
}

func (d *DatabaseClient) ListScenes(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+sceneColumns+`
		FROM scenes
		WHERE job_id = $1
		ORDER BY scene_order ASC, created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	defer rows.Close()

	scenes := []models.Scene{}
	for rows.Next() {
		scene, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, *scene)
	}
	return scenes, rows.Err()
}

func (d *DatabaseClient) GetScene(ctx context.Context, jobID, sceneID uuid.UUID) (*models.Scene, error) {
	scene, err := scanScene(d.db.QueryRowContext(ctx, `
		SELECT `+sceneColumns+`
		FROM scenes
		WHERE id = $1 AND job_id = $2
	`, sceneID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene: %w", err)
	}
	return scene, nil
}

func (d *DatabaseClient) InsertScene(ctx context.Context, scene *models.Scene) error {
	if scene.GenerationStatus == "" {
		scene.GenerationStatus = models.ScenePending
	}
	created, err := scanScene(d.db.QueryRowContext(ctx, `
		INSERT INTO scenes (id, job_id, scene_order, title, description, prompt, duration_seconds,
			generation_status, image_url, clip_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+sceneColumns,
		scene.ID, scene.JobID, scene.SceneOrder, scene.Title, scene.Description, scene.Prompt,
		scene.DurationSeconds, scene.GenerationStatus, scene.ImageURL, scene.ClipURL,
	))
	if err != nil {
		return fmt.Errorf("failed to insert scene: %w", err)
	}
	*scene = *created
	return nil
}

func (d *DatabaseClient) DeleteScene(ctx context.Context, jobID, sceneID uuid.UUID) error {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM scenes
		WHERE id = $1 AND job_id = $2
	`, sceneID, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete scene: %w", err)
	}
	return affectedOne(res)
}

func (d *DatabaseClient) SetSceneOrder(ctx context.Context, jobID, sceneID uuid.UUID, order int) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE scenes
		SET scene_order = $1
		WHERE id = $2 AND job_id = $3
	`, order, sceneID, jobID)
	if err != nil {
		return fmt.Errorf("failed to set scene order: %w", err)
	}
	return affectedOne(res)
}

func (d *DatabaseClient) ShiftSceneOrders(ctx context.Context, jobID uuid.UUID, from, delta int) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE scenes
		SET scene_order = scene_order + $1
		WHERE job_id = $2 AND scene_order >= $3
	`, delta, jobID, from)
	if err != nil {
		return fmt.Errorf("failed to shift scene orders: %w", err)
	}
	return nil
}

func (d *DatabaseClient) UpdateSceneMedia(ctx context.Context, jobID, sceneID uuid.UUID, update gateway.SceneUpdate) (*models.Scene, error) {
	var status, imageURL, clipURL *string
	if update.Status != nil {
		s := string(*update.Status)
		status = &s
	}
	imageURL, clipURL = update.ImageURL, update.ClipURL

	scene, err := scanScene(d.db.QueryRowContext(ctx, `
		UPDATE scenes
		SET generation_status = COALESCE($1, generation_status),
			image_url = COALESCE($2, image_url),
			clip_url = COALESCE($3, clip_url)
		WHERE id = $4 AND job_id = $5
		RETURNING `+sceneColumns,
		status, imageURL, clipURL, sceneID, jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update scene: %w", err)
	}
	return scene, nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

func (d *DatabaseClient) Close() error {
	return d.db.Close()
}
