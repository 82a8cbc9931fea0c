// Package scenes keeps a storyboard's scene_order a contiguous 1..N
// permutation across insert, delete, move, reorder and duplicate.
package scenes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
)

var (
	ErrBoundary      = errors.New("scene is already at the boundary")
	ErrInvalidOrder  = errors.New("ordering must list every scene of the job exactly once")
	ErrImageRequired = errors.New("scene image must exist before generating its clip")
)

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ArtifactRemover deletes generated media by public URL.
type ArtifactRemover interface {
	Remove(ctx context.Context, urls ...string) error
}

type Draft struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Prompt          string  `json:"prompt"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type Manager struct {
	store     gateway.SceneStore
	artifacts ArtifactRemover
	log       *logger.Logger
	now       func() time.Time
}

func NewManager(store gateway.SceneStore, artifacts ArtifactRemover, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		artifacts: artifacts,
		log:       log.With("component", "SceneManager"),
		now:       time.Now,
	}
}

// List returns the job's scenes ordered by scene_order, repairing gaps or
// duplicates left by an interrupted operation.
func (m *Manager) List(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error) {
	return m.normalized(ctx, jobID)
}

// Insert places a new scene at order (1-based). order <= 0 appends.
func (m *Manager) Insert(ctx context.Context, jobID uuid.UUID, draft Draft, order int) (*models.Scene, error) {
	current, err := m.normalized(ctx, jobID)
	if err != nil {
		return nil, err
	}
	n := len(current)
	if order <= 0 || order > n+1 {
		order = n + 1
	}
	if order <= n {
		if err := m.store.ShiftSceneOrders(ctx, jobID, order, 1); err != nil {
			return nil, fmt.Errorf("failed to make room for scene: %w", err)
		}
	}
	scene := m.newScene(jobID, draft, order)
	if err := m.store.InsertScene(ctx, scene); err != nil {
		return nil, fmt.Errorf("failed to insert scene: %w", err)
	}
	return scene, nil
}

// InsertMany appends drafts in sequence after the existing scenes.
func (m *Manager) InsertMany(ctx context.Context, jobID uuid.UUID, drafts []Draft) ([]models.Scene, error) {
	current, err := m.normalized(ctx, jobID)
	if err != nil {
		return nil, err
	}
	next := len(current) + 1
	out := make([]models.Scene, 0, len(drafts))
	for _, d := range drafts {
		scene := m.newScene(jobID, d, next)
		if err := m.store.InsertScene(ctx, scene); err != nil {
			return out, fmt.Errorf("failed to insert scene %d: %w", next, err)
		}
		out = append(out, *scene)
		next++
	}
	return out, nil
}

// Delete removes the scene and closes the gap it leaves. Media removal is
// best effort and never fails the deletion.
func (m *Manager) Delete(ctx context.Context, jobID, sceneID uuid.UUID) error {
	if _, err := m.normalized(ctx, jobID); err != nil {
		return err
	}
	scene, err := m.store.GetScene(ctx, jobID, sceneID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteScene(ctx, jobID, sceneID); err != nil {
		return fmt.Errorf("failed to delete scene: %w", err)
	}
	if err := m.store.ShiftSceneOrders(ctx, jobID, scene.SceneOrder+1, -1); err != nil {
		return fmt.Errorf("failed to renumber scenes: %w", err)
	}

	var urls []string
	if scene.HasImage() {
		urls = append(urls, *scene.ImageURL)
	}
	if scene.HasClip() {
		urls = append(urls, *scene.ClipURL)
	}
	if len(urls) > 0 && m.artifacts != nil {
		if err := m.artifacts.Remove(ctx, urls...); err != nil {
			m.log.Warn("scene media removal failed", "job_id", jobID, "scene_id", sceneID, "error", err)
		}
	}
	return nil
}

// Move swaps the scene with its neighbour in direction.
func (m *Manager) Move(ctx context.Context, jobID, sceneID uuid.UUID, dir Direction) ([]models.Scene, error) {
	current, err := m.normalized(ctx, jobID)
	if err != nil {
		return nil, err
	}
	idx := indexOf(current, sceneID)
	if idx < 0 {
		return nil, gateway.ErrNotFound
	}
	var other int
	switch dir {
	case Up:
		other = idx - 1
	case Down:
		other = idx + 1
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
	if other < 0 || other >= len(current) {
		return nil, ErrBoundary
	}

	a, b := current[idx], current[other]
	if err := m.store.SetSceneOrder(ctx, jobID, a.ID, b.SceneOrder); err != nil {
		return nil, fmt.Errorf("failed to move scene: %w", err)
	}
	if err := m.store.SetSceneOrder(ctx, jobID, b.ID, a.SceneOrder); err != nil {
		return nil, fmt.Errorf("failed to move neighbour scene: %w", err)
	}
	return m.store.ListScenes(ctx, jobID)
}

// Reorder applies a full target ordering. Each write sets an absolute
// position, so re-running after an interruption converges.
func (m *Manager) Reorder(ctx context.Context, jobID uuid.UUID, ordered []uuid.UUID) ([]models.Scene, error) {
	current, err := m.store.ListScenes(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !samePermutation(current, ordered) {
		return nil, ErrInvalidOrder
	}
	byID := make(map[uuid.UUID]models.Scene, len(current))
	for _, s := range current {
		byID[s.ID] = s
	}
	for i, id := range ordered {
		if byID[id].SceneOrder == i+1 {
			continue
		}
		if err := m.store.SetSceneOrder(ctx, jobID, id, i+1); err != nil {
			return nil, fmt.Errorf("failed to reorder scene %s: %w", id, err)
		}
	}
	return m.store.ListScenes(ctx, jobID)
}

// Duplicate copies a scene without its media, inserting it at position
// (default: right after the source).
func (m *Manager) Duplicate(ctx context.Context, jobID, sceneID uuid.UUID, position int) (*models.Scene, error) {
	current, err := m.normalized(ctx, jobID)
	if err != nil {
		return nil, err
	}
	idx := indexOf(current, sceneID)
	if idx < 0 {
		return nil, gateway.ErrNotFound
	}
	src := current[idx]
	n := len(current)
	if position <= 0 || position > n+1 {
		position = src.SceneOrder + 1
	}
	if position <= n {
		if err := m.store.ShiftSceneOrders(ctx, jobID, position, 1); err != nil {
			return nil, fmt.Errorf("failed to make room for duplicate: %w", err)
		}
	}
	dup := m.newScene(jobID, Draft{
		Title:           src.Title,
		Description:     src.Description,
		Prompt:          src.Prompt,
		DurationSeconds: src.DurationSeconds,
	}, position)
	if err := m.store.InsertScene(ctx, dup); err != nil {
		return nil, fmt.Errorf("failed to insert duplicate: %w", err)
	}
	return dup, nil
}

// CanGenerateClip rejects clip generation for scenes without an image.
func CanGenerateClip(scene *models.Scene) error {
	if !scene.HasImage() {
		return ErrImageRequired
	}
	return nil
}

// Contiguous reports whether scene orders form exactly 1..len(scenes).
func Contiguous(list []models.Scene) bool {
	seen := make([]bool, len(list)+1)
	for _, s := range list {
		if s.SceneOrder < 1 || s.SceneOrder > len(list) || seen[s.SceneOrder] {
			return false
		}
		seen[s.SceneOrder] = true
	}
	return true
}

func (m *Manager) normalized(ctx context.Context, jobID uuid.UUID) ([]models.Scene, error) {
	current, err := m.store.ListScenes(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if Contiguous(current) {
		sortScenes(current)
		return current, nil
	}

	m.log.Info("repairing scene order", "job_id", jobID, "scenes", len(current))
	sortScenes(current)
	for i := range current {
		if current[i].SceneOrder == i+1 {
			continue
		}
		if err := m.store.SetSceneOrder(ctx, jobID, current[i].ID, i+1); err != nil {
			return nil, fmt.Errorf("failed to repair scene order: %w", err)
		}
		current[i].SceneOrder = i + 1
	}
	return current, nil
}

func (m *Manager) newScene(jobID uuid.UUID, d Draft, order int) *models.Scene {
	now := m.now()
	return &models.Scene{
		ID:               uuid.New(),
		JobID:            jobID,
		SceneOrder:       order,
		Title:            d.Title,
		Description:      d.Description,
		Prompt:           d.Prompt,
		DurationSeconds:  d.DurationSeconds,
		GenerationStatus: models.ScenePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// sortScenes orders by scene_order, breaking ties by creation time so that a
// repair keeps the older scene first.
func sortScenes(list []models.Scene) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].SceneOrder != list[j].SceneOrder {
			return list[i].SceneOrder < list[j].SceneOrder
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func indexOf(list []models.Scene, id uuid.UUID) int {
	for i, s := range list {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func samePermutation(current []models.Scene, ordered []uuid.UUID) bool {
	if len(current) != len(ordered) {
		return false
	}
	want := make(map[uuid.UUID]bool, len(current))
	for _, s := range current {
		want[s.ID] = true
	}
	for _, id := range ordered {
		if !want[id] {
			return false
		}
		delete(want, id)
	}
	return len(want) == 0
}
