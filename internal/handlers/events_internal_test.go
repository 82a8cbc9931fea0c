package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/reconciler"
)

func TestOfferLatest_DropsOldestWhenFull(t *testing.T) {
	views := make(chan reconciler.View, 3)
	for p := 10; p <= 50; p += 10 {
		offerLatest(views, reconciler.View{ProgressPercent: p})
	}

	require.Len(t, views, 3)
	var got []int
	for len(views) > 0 {
		got = append(got, (<-views).ProgressPercent)
	}
	assert.Equal(t, []int{30, 40, 50}, got)
}
