package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	TranscriptEvents   *prometheus.CounterVec
	ReflectionOutcomes *prometheus.CounterVec
	SpeakCompletions   *prometheus.CounterVec
	SpeakLatency       prometheus.Histogram
	ScheduleChecks     *prometheus.CounterVec
	TriggerReschedules prometheus.Counter
	ProviderErrors     *prometheus.CounterVec

	Turns *TurnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice journaling sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "UI websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TranscriptEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Transcription events by kind (partial, final, fallback_upload, empty).",
		}, []string{"kind"}),
		ReflectionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflection_outcomes_total",
			Help:      "Reflection exchanges by outcome (ok, fallback).",
		}, []string{"outcome"}),
		SpeakCompletions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speak_completions_total",
			Help:      "Speech playback completions by winning signal (callback, timeout, stopped).",
		}, []string{"source"}),
		SpeakLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speak_latency_ms",
			Help:      "Wall time from speak dispatch to completion in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 3000, 5000, 8000, 13000, 21000},
		}),
		ScheduleChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_checks_total",
			Help:      "Remote schedule checks by result (prompted, no_trigger, deduped, notification_tap, skipped, error).",
		}, []string{"result"}),
		TriggerReschedules: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_reschedules_total",
			Help:      "One-shot local trigger recomputations.",
		}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		Turns: NewTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveSpeakLatency(d time.Duration) {
	m.SpeakLatency.Observe(float64(d.Milliseconds()))
}

// Handler serves the engine's own registry so tests can build isolated
// Metrics values without colliding on the global registerer.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
