// Package metrics exposes prometheus collectors for the dispatcher, router,
// watchers and message buffers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atelier"

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry          *prometheus.Registry
	peerCalls         *prometheus.CounterVec
	peerCallSeconds   *prometheus.HistogramVec
	routerRequests    *prometheus.CounterVec
	watchersActive    prometheus.Gauge
	watchEvents       *prometheus.CounterVec
	messagesAppended  *prometheus.CounterVec
	bufferTruncations prometheus.Counter
	bufferDropped     prometheus.Counter
	peerLinks         prometheus.Gauge
	agentProcesses    prometheus.Gauge
	agentExits        *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	eventStreams      prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		peerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Commands issued through a transport, by command and result.",
		}, []string{"transport", "command", "result"}),
		peerCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Latency of dispatched commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "command"}),
		routerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Peer requests handled by the command router.",
		}, []string{"command", "result"}),
		watchersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "active",
			Help:      "Established session watcher subscriptions.",
		}),
		watchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Session updates delivered, by update type.",
		}, []string{"type"}),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "messages_appended_total",
			Help:      "Messages appended to tab buffers, by source.",
		}, []string{"source"}),
		bufferTruncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "truncations_total",
			Help:      "High water truncations of tab buffers.",
		}),
		bufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by truncation.",
		}),
		peerLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "links",
			Help:      "Connected peer links.",
		}),
		agentProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "processes",
			Help:      "Running agent CLI processes.",
		}),
		agentExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "exits_total",
			Help:      "Finished agent CLI processes, by agent and result.",
		}, []string{"agent", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		eventStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "event_streams",
			Help:      "Open server-sent event streams.",
		}),
	}
	m.registry.MustRegister(
		m.peerCalls,
		m.peerCallSeconds,
		m.routerRequests,
		m.watchersActive,
		m.watchEvents,
		m.messagesAppended,
		m.bufferTruncations,
		m.bufferDropped,
		m.peerLinks,
		m.agentProcesses,
		m.agentExits,
		m.httpRequests,
		m.eventStreams,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCall records one dispatched command.
func (m *Metrics) ObserveCall(transport, command string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.peerCalls.WithLabelValues(transport, command, result(err)).Inc()
	m.peerCallSeconds.WithLabelValues(transport, command).Observe(elapsed.Seconds())
}

// RouterRequest records one routed peer request.
func (m *Metrics) RouterRequest(command string, err error) {
	if m == nil {
		return
	}
	m.routerRequests.WithLabelValues(command, result(err)).Inc()
}

// LinkOpened increments the connected link gauge.
func (m *Metrics) LinkOpened() {
	if m == nil {
		return
	}
	m.peerLinks.Inc()
}

// LinkClosed decrements the connected link gauge.
func (m *Metrics) LinkClosed() {
	if m == nil {
		return
	}
	m.peerLinks.Dec()
}

// WatcherStarted increments the active watcher gauge.
func (m *Metrics) WatcherStarted() {
	if m == nil {
		return
	}
	m.watchersActive.Inc()
}

// WatcherStopped decrements the active watcher gauge.
func (m *Metrics) WatcherStopped() {
	if m == nil {
		return
	}
	m.watchersActive.Dec()
}

// WatchEvent counts a delivered session update.
func (m *Metrics) WatchEvent(updateType string) {
	if m == nil {
		return
	}
	m.watchEvents.WithLabelValues(updateType).Inc()
}

// MessageAppended counts a buffered message.
func (m *Metrics) MessageAppended(source string) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(source).Inc()
}

// BufferTruncated records a truncation that dropped n messages.
func (m *Metrics) BufferTruncated(dropped int) {
	if m == nil || dropped <= 0 {
		return
	}
	m.bufferTruncations.Inc()
	m.bufferDropped.Add(float64(dropped))
}

// AgentStarted records a spawned agent process.
func (m *Metrics) AgentStarted() {
	if m == nil {
		return
	}
	m.agentProcesses.Inc()
}

// AgentExited records a finished agent process.
func (m *Metrics) AgentExited(agent string, err error) {
	if m == nil {
		return
	}
	m.agentProcesses.Dec()
	m.agentExits.WithLabelValues(agent, result(err)).Inc()
}

// HTTPRequest records a served HTTP request.
func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// StreamOpened records an opened event stream.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.eventStreams.Inc()
}

// StreamClosed records a closed event stream.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.eventStreams.Dec()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
