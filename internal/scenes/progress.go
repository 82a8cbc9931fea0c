package scenes

import (
	"adreel-backend/internal/models"
	"adreel-backend/internal/stages"
)

type Counts struct {
	Total     int `json:"total"`
	WithImage int `json:"with_image"`
	WithClip  int `json:"with_clip"`
}

func Count(list []models.Scene) Counts {
	c := Counts{Total: len(list)}
	for i := range list {
		if list[i].HasImage() {
			c.WithImage++
		}
		if list[i].HasClip() {
			c.WithClip++
		}
	}
	return c
}

// Progress returns the overall percent and the percent inside the current
// stage. For scene-driven storyboard stages both come from the share of scenes
// whose media exists; other stages report their fixed Stage Model value.
func Progress(kind stages.Kind, stage stages.Stage, c Counts) (overall, inStage int) {
	start, end := stages.Band(kind, stage)
	if !stages.SceneDriven(kind, stage) {
		return start, 0
	}

	done := c.WithImage
	if stage == stages.SceneClipGeneration {
		done = c.WithClip
	}
	if c.Total == 0 {
		return start, 0
	}
	if done > c.Total {
		done = c.Total
	}
	inStage = done * 100 / c.Total
	overall = start + (end-start)*done/c.Total
	return overall, inStage
}
