// Package stages maps each job kind's pipeline checkpoints to progress percentages.
package stages

import "fmt"

type Kind string

const (
	KindVideo      Kind = "video"
	KindImage      Kind = "image"
	KindStoryboard Kind = "storyboard"
)

type Stage string

const (
	Init                 Stage = "init"
	ImageRefinement      Stage = "image_refinement"
	ScriptGeneration     Stage = "script_generation"
	CopyGeneration       Stage = "copy_generation"
	VideoGeneration      Stage = "video_generation"
	ImageGeneration      Stage = "image_generation"
	Upscaling            Stage = "upscaling"
	SceneImageGeneration Stage = "scene_image_generation"
	SceneClipGeneration  Stage = "scene_clip_generation"
	Merging              Stage = "merging"
	Completed            Stage = "completed"
)

type step struct {
	stage Stage
	start int
	end   int
}

// Scene-driven stages span a range; every other stage is a fixed point.
var pipelines = map[Kind][]step{
	KindVideo: {
		{Init, 5, 5},
		{ImageRefinement, 20, 20},
		{ScriptGeneration, 35, 35},
		{VideoGeneration, 70, 70},
		{Merging, 90, 90},
		{Completed, 100, 100},
	},
	KindImage: {
		{Init, 5, 5},
		{ImageRefinement, 25, 25},
		{CopyGeneration, 40, 40},
		{ImageGeneration, 75, 75},
		{Upscaling, 90, 90},
		{Completed, 100, 100},
	},
	KindStoryboard: {
		{Init, 5, 5},
		{ScriptGeneration, 15, 15},
		{SceneImageGeneration, 20, 55},
		{SceneClipGeneration, 55, 90},
		{Merging, 95, 95},
		{Completed, 100, 100},
	},
}

func (k Kind) Valid() bool {
	_, ok := pipelines[k]
	return ok
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown job kind %q", s)
	}
	return k, nil
}

// Parse validates that stage belongs to kind's pipeline.
func Parse(kind Kind, s string) (Stage, error) {
	st := Stage(s)
	if _, ok := Index(kind, st); !ok {
		return "", fmt.Errorf("unknown stage %q for %s job", s, kind)
	}
	return st, nil
}

// Order returns the canonical stage order for kind.
func Order(kind Kind) []Stage {
	steps := pipelines[kind]
	out := make([]Stage, len(steps))
	for i, s := range steps {
		out[i] = s.stage
	}
	return out
}

func Index(kind Kind, stage Stage) (int, bool) {
	for i, s := range pipelines[kind] {
		if s.stage == stage {
			return i, true
		}
	}
	return -1, false
}

// Percent is the progress reported on entering stage.
func Percent(kind Kind, stage Stage) int {
	start, _ := Band(kind, stage)
	return start
}

// Band returns the percentage span covered while the job sits in stage.
// Unknown stages report 0, 0.
func Band(kind Kind, stage Stage) (int, int) {
	i, ok := Index(kind, stage)
	if !ok {
		return 0, 0
	}
	s := pipelines[kind][i]
	return s.start, s.end
}

// Terminal is the last stage of kind's pipeline.
func Terminal(kind Kind) Stage {
	steps := pipelines[kind]
	if len(steps) == 0 {
		return ""
	}
	return steps[len(steps)-1].stage
}

// IsEarlierOrEqual reports whether a does not come after b in kind's pipeline.
// Stages outside the pipeline are never ordered against anything.
func IsEarlierOrEqual(kind Kind, a, b Stage) bool {
	ia, okA := Index(kind, a)
	ib, okB := Index(kind, b)
	if !okA || !okB {
		return false
	}
	return ia <= ib
}

// SceneDriven reports whether progress inside stage is derived from scene media.
func SceneDriven(kind Kind, stage Stage) bool {
	return kind == KindStoryboard && (stage == SceneImageGeneration || stage == SceneClipGeneration)
}
