package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/relay/server/internal/relay"
)

func newRelay(t *testing.T, mutate func(*relay.Options)) (*relay.Relay, *Metrics) {
	t.Helper()
	m := New()
	opts := relay.DefaultOptions()
	opts.DispatchWorkers = 1
	if mutate != nil {
		mutate(&opts)
	}
	r, err := relay.New(opts, m)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	m.Attach(r)
	return r, m
}

func scrape(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	var p expfmt.TextParser
	families, err := p.TextToMetricFamilies(rec.Body)
	require.NoError(t, err)
	return families
}

func gaugeFor(f *dto.MetricFamily, label, value string) (float64, bool) {
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestMetrics_CountsPublishAndRejects(t *testing.T) {
	r, m := newRelay(t, func(o *relay.Options) { o.MaxPayloadBytes = 4 })

	_, err := r.Publish("room", []byte("ok"))
	require.NoError(t, err)
	_, err = r.Publish("room", []byte("too long"))
	require.Error(t, err)
	_, err = r.Replay("room", 7)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.published))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("payload_too_large")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replayGaps))
}

func TestMetrics_TransitionsAndDrops(t *testing.T) {
	r, m := newRelay(t, func(o *relay.Options) { o.QueueSize = 1 })
	c, err := r.Sessions.Connect("test", nil)
	require.NoError(t, err)
	_, err = r.Subscribe(c.ID, "room", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.Publish("room", []byte("x"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.drops) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("connecting", "active")))
}

func TestMetrics_ScrapeExposesRelayGauges(t *testing.T) {
	r, m := newRelay(t, nil)
	c, err := r.Sessions.Connect("test", nil)
	require.NoError(t, err)
	_, err = r.Subscribe(c.ID, "room1", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.Publish("room1", []byte("x"))
		require.NoError(t, err)
	}

	families := scrape(t, m)

	conns := families["relay_connections"]
	require.NotNil(t, conns)
	active, ok := gaugeFor(conns, "state", "active")
	require.True(t, ok)
	assert.Equal(t, 1.0, active)

	head := families["relay_topic_head_seq"]
	require.NotNil(t, head)
	v, ok := gaugeFor(head, "topic", "room1")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	require.NotNil(t, families["relay_topics"])
	assert.Equal(t, 1.0, families["relay_topics"].GetMetric()[0].GetGauge().GetValue())
	require.NotNil(t, families["relay_messages_published_total"])
	assert.Equal(t, 3.0, families["relay_messages_published_total"].GetMetric()[0].GetCounter().GetValue())
}
