// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries the engine collectors. Each instance owns its registry so
// tests can construct throwaway sets without global registration conflicts.
type Metrics struct {
	reg *prometheus.Registry

	SessionsLive     prometheus.Gauge
	SessionStarts    *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	ModerationTotal  *prometheus.CounterVec
	BroadcastSends   *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "wabot_sessions_live",
			Help: "Number of sessions with a live transport client.",
		}),
		SessionStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wabot_session_starts_total",
			Help: "Session start attempts by outcome.",
		}, []string{"outcome"}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wabot_commands_total",
			Help: "Dispatched commands by name and outcome.",
		}, []string{"command", "outcome"}),
		ModerationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wabot_moderation_actions_total",
			Help: "Moderation actions by kind (delete, warn, remove).",
		}, []string{"action"}),
		BroadcastSends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wabot_broadcast_sends_total",
			Help: "Broadcast send attempts by outcome.",
		}, []string{"outcome"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wabot_events_published_total",
			Help: "Session events published to subscribers by type.",
		}, []string{"type"}),
		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wabot_dispatch_duration_seconds",
			Help:    "Time spent handling a single inbound message.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the backing registry for the ops HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
