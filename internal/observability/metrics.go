package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the counters used by the reconciler and the orchestration actions.
type Metrics struct {
	updates     *prometheus.CounterVec
	callbacks   *prometheus.CounterVec
	push        *prometheus.CounterVec
	stalls      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	observers   prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	updates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adreel_reconciler_updates_total",
		Help: "Row states seen by reconcilers, by channel and merge outcome.",
	}, []string{"source", "outcome"})
	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adreel_reconciler_callbacks_total",
		Help: "Terminal callbacks fired by reconcilers.",
	}, []string{"kind"})
	push := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adreel_push_channel_events_total",
		Help: "Push channel lifecycle events (degraded, reconnect, give_up).",
	}, []string{"event"})
	stalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adreel_stall_timeouts_total",
		Help: "Jobs failed by the stall detector, by job kind.",
	}, []string{"kind"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adreel_job_actions_total",
		Help: "Orchestration actions by action and outcome.",
	}, []string{"action", "outcome"})
	observers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adreel_reconciler_observers",
		Help: "Currently attached reconciler observers.",
	})

	updates = registerCounterVec(registerer, updates)
	callbacks = registerCounterVec(registerer, callbacks)
	push = registerCounterVec(registerer, push)
	stalls = registerCounterVec(registerer, stalls)
	transitions = registerCounterVec(registerer, transitions)
	observers = registerGauge(registerer, observers)

	return &Metrics{
		updates:     updates,
		callbacks:   callbacks,
		push:        push,
		stalls:      stalls,
		transitions: transitions,
		observers:   observers,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncUpdate(source, outcome string) {
	if m == nil || m.updates == nil {
		return
	}
	m.updates.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) IncCallback(kind string) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPush(event string) {
	if m == nil || m.push == nil {
		return
	}
	m.push.WithLabelValues(event).Inc()
}

func (m *Metrics) IncStall(kind string) {
	if m == nil || m.stalls == nil {
		return
	}
	m.stalls.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncAction(action, outcome string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserverAttached() {
	if m == nil || m.observers == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverDetached() {
	if m == nil || m.observers == nil {
		return
	}
	m.observers.Dec()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerGauge(registerer prometheus.Registerer, gauge prometheus.Gauge) prometheus.Gauge {
	if err := registerer.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
	}
	return gauge
}
