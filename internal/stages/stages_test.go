package stages_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/stages"
)

var kinds = []stages.Kind{stages.KindVideo, stages.KindImage, stages.KindStoryboard}

func TestPercent_MonotonicAlongCanonicalOrder(t *testing.T) {
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			order := stages.Order(kind)
			require.NotEmpty(t, order)

			assert.Equal(t, stages.Init, order[0])
			assert.LessOrEqual(t, stages.Percent(kind, stages.Init), 5)
			assert.Equal(t, 100, stages.Percent(kind, stages.Terminal(kind)))

			prevEnd := 0
			for _, st := range order {
				start, end := stages.Band(kind, st)
				assert.GreaterOrEqual(t, start, prevEnd, "stage %s starts before previous band ends", st)
				assert.GreaterOrEqual(t, end, start)
				assert.LessOrEqual(t, end, 100)
				prevEnd = end
			}
		})
	}
}

func TestIsEarlierOrEqual(t *testing.T) {
	k := stages.KindStoryboard
	assert.True(t, stages.IsEarlierOrEqual(k, stages.Init, stages.Merging))
	assert.True(t, stages.IsEarlierOrEqual(k, stages.Merging, stages.Merging))
	assert.False(t, stages.IsEarlierOrEqual(k, stages.Completed, stages.SceneImageGeneration))
	// video_generation is not part of the storyboard pipeline
	assert.False(t, stages.IsEarlierOrEqual(k, stages.VideoGeneration, stages.Completed))
}

func TestParse(t *testing.T) {
	st, err := stages.Parse(stages.KindImage, "upscaling")
	require.NoError(t, err)
	assert.Equal(t, stages.Upscaling, st)

	_, err = stages.Parse(stages.KindImage, "scene_clip_generation")
	assert.Error(t, err)

	_, err = stages.ParseKind("podcast")
	assert.Error(t, err)
}

func TestSceneDriven(t *testing.T) {
	assert.True(t, stages.SceneDriven(stages.KindStoryboard, stages.SceneImageGeneration))
	assert.True(t, stages.SceneDriven(stages.KindStoryboard, stages.SceneClipGeneration))
	assert.False(t, stages.SceneDriven(stages.KindStoryboard, stages.Merging))
	assert.False(t, stages.SceneDriven(stages.KindVideo, stages.VideoGeneration))
}
