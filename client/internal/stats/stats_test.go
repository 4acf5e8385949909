package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const exposition = `# HELP relay_connections Registered connections by lifecycle state.
# TYPE relay_connections gauge
relay_connections{state="active"} 3
relay_connections{state="draining"} 1
# TYPE relay_topics gauge
relay_topics 2
# TYPE relay_subscriptions gauge
relay_subscriptions 4
# TYPE relay_messages_published_total counter
relay_messages_published_total 120
# TYPE relay_messages_rejected_total counter
relay_messages_rejected_total{reason="payload_too_large"} 2
relay_messages_rejected_total{reason="rate_limited"} 5
# TYPE relay_backpressure_drops_total counter
relay_backpressure_drops_total 7
# TYPE relay_topic_head_seq gauge
relay_topic_head_seq{topic="room1"} 100
relay_topic_head_seq{topic="news"} 20
# TYPE relay_topic_subscribers gauge
relay_topic_subscribers{topic="room1"} 3
relay_topic_subscribers{topic="news"} 1
# TYPE relay_topic_queue_depth gauge
relay_topic_queue_depth{topic="room1"} 12
`

func TestSummarize(t *testing.T) {
	mfs, err := parseMetrics(strings.NewReader(exposition))
	if err != nil {
		t.Fatalf("parseMetrics: %v", err)
	}
	s := Summarize(mfs)

	if s.Connections["active"] != 3 || s.Connections["draining"] != 1 {
		t.Errorf("connections: got %v", s.Connections)
	}
	if s.Published != 120 || s.Drops != 7 || s.Topics != 2 {
		t.Errorf("totals: published %v drops %v topics %v", s.Published, s.Drops, s.Topics)
	}
	if s.Rejected["rate_limited"] != 5 {
		t.Errorf("rejected[rate_limited]: got %v, want 5", s.Rejected["rate_limited"])
	}
	if s.Delivered != 0 {
		t.Errorf("missing family should sum to 0, got %v", s.Delivered)
	}
	if len(s.PerTopic) != 2 {
		t.Fatalf("per topic: got %d, want 2", len(s.PerTopic))
	}
	if got := s.PerTopic[1]; got.Name != "room1" || got.Head != 100 || got.Subscribers != 3 || got.QueueDepth != 12 {
		t.Errorf("room1: got %+v", got)
	}
}

func TestScraper_SendsKeyAndParses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(exposition)) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)

	s, err := New(srv.URL, "x-api-key", "k").Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if s.Subscriptions != 4 {
		t.Errorf("subscriptions: got %v, want 4", s.Subscriptions)
	}

	if _, err := New(srv.URL, "x-api-key", "").Fetch(context.Background()); err == nil {
		t.Error("Fetch without key: expected error")
	}
}

func TestParseMetrics_Garbage(t *testing.T) {
	if _, err := parseMetrics(strings.NewReader("{not prometheus")); err == nil {
		t.Error("expected parse error")
	}
}
