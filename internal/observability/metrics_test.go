package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"adreel-backend/internal/observability"
)

func TestMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := observability.NewMetrics(reg)
	second := observability.NewMetrics(reg)

	first.IncUpdate("push", "accepted")
	second.IncUpdate("push", "accepted")
	second.IncUpdate("poll", "stale")

	count, err := testutil.GatherAndCount(reg, "adreel_reconciler_updates_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.IncUpdate("poll", "accepted")
		m.IncCallback("completed")
		m.IncPush("degraded")
		m.IncStall("video")
		m.IncAction("trigger", "ok")
		m.ObserverAttached()
		m.ObserverDetached()
	})
}
