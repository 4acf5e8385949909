// Package stats scrapes a relay server's /metrics endpoint and summarizes it.
package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const defaultScrapeTimeout = 10 * time.Second

// Relay metric names read by Fetch.
const (
	metricConnections   = "relay_connections"
	metricTopics        = "relay_topics"
	metricSubscriptions = "relay_subscriptions"
	metricPublished     = "relay_messages_published_total"
	metricRejected      = "relay_messages_rejected_total"
	metricDelivered     = "relay_messages_delivered_total"
	metricDrops         = "relay_backpressure_drops_total"
	metricReplayGaps    = "relay_replay_gaps_total"
	metricHeadSeq       = "relay_topic_head_seq"
	metricBuffered      = "relay_topic_buffered_messages"
	metricSubscribers   = "relay_topic_subscribers"
	metricQueueDepth    = "relay_topic_queue_depth"
)

// Summary is the relay state read from one scrape.
type Summary struct {
	ScrapedAt     time.Time
	Connections   map[string]float64 // by lifecycle state
	Topics        float64
	Subscriptions float64
	Published     float64
	Rejected      map[string]float64 // by reason
	Delivered     float64
	Drops         float64
	ReplayGaps    float64
	PerTopic      []Topic
}

// Topic is the per-topic part of a Summary.
type Topic struct {
	Name        string
	Head        float64
	Buffered    float64
	Subscribers float64
	QueueDepth  float64
}

// Scraper fetches summaries from one server.
type Scraper struct {
	url    string
	header string
	key    string
	client *http.Client
}

// New returns a Scraper for metricsURL. When key is set it is sent in header.
func New(metricsURL, header, key string) *Scraper {
	return &Scraper{
		url:    metricsURL,
		header: header,
		key:    key,
		client: &http.Client{Timeout: defaultScrapeTimeout},
	}
}

// Fetch scrapes the endpoint once.
func (s *Scraper) Fetch(ctx context.Context) (*Summary, error) {
	mfs, err := s.fetchMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: scrape %s: %w", s.url, err)
	}
	return Summarize(mfs), nil
}

// Summarize builds a Summary from parsed metric families.
func Summarize(mfs map[string]*dto.MetricFamily) *Summary {
	sum := &Summary{
		ScrapedAt:     time.Now().UTC(),
		Connections:   byLabel(mfs[metricConnections], "state"),
		Topics:        sumFamily(mfs[metricTopics]),
		Subscriptions: sumFamily(mfs[metricSubscriptions]),
		Published:     sumFamily(mfs[metricPublished]),
		Rejected:      byLabel(mfs[metricRejected], "reason"),
		Delivered:     sumFamily(mfs[metricDelivered]),
		Drops:         sumFamily(mfs[metricDrops]),
		ReplayGaps:    sumFamily(mfs[metricReplayGaps]),
	}

	head := byLabel(mfs[metricHeadSeq], "topic")
	buffered := byLabel(mfs[metricBuffered], "topic")
	subs := byLabel(mfs[metricSubscribers], "topic")
	depth := byLabel(mfs[metricQueueDepth], "topic")
	for name, h := range head {
		sum.PerTopic = append(sum.PerTopic, Topic{
			Name:        name,
			Head:        h,
			Buffered:    buffered[name],
			Subscribers: subs[name],
			QueueDepth:  depth[name],
		})
	}
	sort.Slice(sum.PerTopic, func(i, j int) bool { return sum.PerTopic[i].Name < sum.PerTopic[j].Name })
	return sum
}

// fetchMetrics performs an HTTP GET to the endpoint and returns parsed metric
// families.
func (s *Scraper) fetchMetrics(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if s.key != "" {
		req.Header.Set(s.header, s.key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil (metric not present in the scrape).
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += value(m)
	}
	return total
}

// byLabel sums the values of mf grouped by one label.
func byLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += value(m)
				break
			}
		}
	}
	return out
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}
