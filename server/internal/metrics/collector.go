package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/obsidianstack/relay/server/internal/relay"
)

var states = []relay.State{relay.StateConnecting, relay.StateActive, relay.StateDraining, relay.StateClosed}

// relayCollector reads connection and topic gauges from the relay on every
// scrape.
type relayCollector struct {
	relay *relay.Relay

	connections   *prometheus.Desc
	topics        *prometheus.Desc
	subscriptions *prometheus.Desc
	headSeq       *prometheus.Desc
	buffered      *prometheus.Desc
	subscribers   *prometheus.Desc
	queueDepth    *prometheus.Desc
}

func newRelayCollector(r *relay.Relay) *relayCollector {
	topic := []string{"topic"}
	return &relayCollector{
		relay:         r,
		connections:   prometheus.NewDesc("relay_connections", "Registered connections by lifecycle state.", []string{"state"}, nil),
		topics:        prometheus.NewDesc("relay_topics", "Live topics.", nil, nil),
		subscriptions: prometheus.NewDesc("relay_subscriptions", "Subscriptions across all topics.", nil, nil),
		headSeq:       prometheus.NewDesc("relay_topic_head_seq", "Latest sequence number of a topic.", topic, nil),
		buffered:      prometheus.NewDesc("relay_topic_buffered_messages", "Messages held in a topic's replay buffer.", topic, nil),
		subscribers:   prometheus.NewDesc("relay_topic_subscribers", "Subscribers of a topic.", topic, nil),
		queueDepth:    prometheus.NewDesc("relay_topic_queue_depth", "Messages queued in the outboxes of a topic's subscribers.", topic, nil),
	}
}

func (c *relayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.topics
	ch <- c.subscriptions
	ch <- c.headSeq
	ch <- c.buffered
	ch <- c.subscribers
	ch <- c.queueDepth
}

func (c *relayCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.relay.Registry.CountByState()
	for _, s := range states {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(counts[s]), s.String())
	}

	topics := c.relay.Router.Topics()
	subs := 0
	for _, t := range topics {
		subs += t.Subscribers
		ch <- prometheus.MustNewConstMetric(c.headSeq, prometheus.GaugeValue, float64(t.Head), t.Name)
		ch <- prometheus.MustNewConstMetric(c.buffered, prometheus.GaugeValue, float64(t.Buffered), t.Name)
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(t.Subscribers), t.Name)
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(t.QueueDepth), t.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.topics, prometheus.GaugeValue, float64(len(topics)))
	ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(subs))
}
