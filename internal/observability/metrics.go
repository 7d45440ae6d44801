// Package observability exports the scheduler's health over Prometheus
// metrics and OpenTelemetry traces. Metrics attach to the core through the
// injected event bus; tracing is handed to the loop directly. Nothing here
// is a package global.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cogsched/cogsched/internal/events"
	"github.com/cogsched/cogsched/pkg/models"
)

// Metrics holds the Prometheus collectors fed by the event stream.
type Metrics struct {
	registry *prometheus.Registry

	energyLevel     prometheus.Gauge
	energyPct       prometheus.Gauge
	conversations   prometheus.Counter
	messages        *prometheus.CounterVec
	modelSwitches   prometheus.Counter
	sleepSeconds    prometheus.Counter
	sleepCycles     prometheus.Counter
	toolInvocations *prometheus.CounterVec
	toolDuration    prometheus.Histogram
}

// NewMetrics creates and registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		energyLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cogsched_energy_level",
			Help: "Current energy reservoir level.",
		}),
		energyPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cogsched_energy_percentage",
			Help: "Energy as a percentage of the maximum.",
		}),
		conversations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogsched_conversations_created_total",
			Help: "Conversations created.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogsched_messages_total",
			Help: "Messages appended to conversations.",
		}, []string{"role"}),
		modelSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogsched_model_switches_total",
			Help: "Reactive model tier switches.",
		}),
		sleepSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogsched_sleep_seconds_total",
			Help: "Seconds spent in recovery sleep.",
		}),
		sleepCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogsched_sleep_cycles_total",
			Help: "Recovery sleeps taken.",
		}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogsched_tool_invocations_total",
			Help: "Tool calls committed by the loop.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cogsched_tool_duration_seconds",
			Help:    "Tool execution wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.energyLevel, m.energyPct, m.conversations, m.messages,
		m.modelSwitches, m.sleepSeconds, m.sleepCycles,
		m.toolInvocations, m.toolDuration,
	)
	return m
}

// Handler returns the bus handler that keeps the collectors current.
func (m *Metrics) Handler() events.Handler {
	return func(ev models.Event) {
		switch ev.Type {
		case models.EventEnergyUpdate:
			if p, ok := ev.Payload.(models.EnergyUpdate); ok {
				m.energyLevel.Set(p.Current)
				m.energyPct.Set(float64(p.Percentage))
			}
		case models.EventConversationCreated:
			m.conversations.Inc()
		case models.EventMessageAdded:
			if p, ok := ev.Payload.(models.MessageAdded); ok {
				m.messages.WithLabelValues(string(p.Role)).Inc()
			}
		case models.EventModelSwitched:
			m.modelSwitches.Inc()
		case models.EventSleepEnd:
			if p, ok := ev.Payload.(models.SleepEnd); ok {
				m.sleepSeconds.Add(p.Duration.Seconds())
				m.sleepCycles.Inc()
			}
		case models.EventToolInvocation:
			if p, ok := ev.Payload.(models.ToolInvocation); ok {
				outcome := "ok"
				if p.Error != "" {
					outcome = "error"
				}
				m.toolInvocations.WithLabelValues(p.ToolName, outcome).Inc()
				m.toolDuration.Observe(p.Duration.Seconds())
			}
		}
	}
}

// HTTPHandler serves the scrape endpoint for this registry.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
