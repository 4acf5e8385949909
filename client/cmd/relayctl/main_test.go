package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/obsidianstack/relay/client/internal/stats"
)

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	err := printSummary(&buf, &stats.Summary{
		Connections: map[string]float64{"active": 2},
		Topics:      1,
		Published:   10,
		Rejected:    map[string]float64{"rate_limited": 1},
		PerTopic:    []stats.Topic{{Name: "room1", Head: 10, Buffered: 10, Subscribers: 2}},
	})
	if err != nil {
		t.Fatalf("printSummary: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"active 2", "published 10", "rate_limited", "TOPIC", "room1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
