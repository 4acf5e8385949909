// Package metrics exposes relay activity as Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/relay/server/internal/relay"
)

const namespace = "relay"

// Metrics implements relay.Observer. Counters are updated as events happen;
// connection and topic gauges are read from the relay at scrape time.
type Metrics struct {
	reg *prometheus.Registry

	published   prometheus.Counter
	rejected    *prometheus.CounterVec
	delivered   prometheus.Counter
	drops       prometheus.Counter
	replayGaps  prometheus.Counter
	transitions *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total",
			Help: "Messages accepted and assigned a sequence number.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_rejected_total",
			Help: "Publishes rejected before sequencing, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total",
			Help: "Messages enqueued to a subscriber outbox.",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backpressure_drops_total",
			Help: "Messages dropped because a subscriber outbox was full.",
		}),
		replayGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replay_gaps_total",
			Help: "Replays refused because the range was no longer buffered.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_transitions_total",
			Help: "Connection lifecycle transitions.",
		}, []string{"from", "to"}),
	}
	m.reg.MustRegister(
		m.published, m.rejected, m.delivered, m.drops, m.replayGaps, m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Attach registers the scrape-time gauges that read from r.
func (m *Metrics) Attach(r *relay.Relay) {
	m.reg.MustRegister(newRelayCollector(r))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Published(string)        { m.published.Inc() }
func (m *Metrics) Rejected(reason string)  { m.rejected.WithLabelValues(reason).Inc() }
func (m *Metrics) Delivered(string)        { m.delivered.Inc() }
func (m *Metrics) Dropped(_ string, n int) { m.drops.Add(float64(n)) }
func (m *Metrics) ReplayGap(string)        { m.replayGaps.Inc() }

func (m *Metrics) Transition(from, to relay.State) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

var _ relay.Observer = (*Metrics)(nil)
