package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// subscriber is one connection's entry in a topic's fan-out list.
type subscriber struct {
	conn  *Connection
	after uint64 // live fan-out only delivers Seq > after
	last  uint64 // highest Seq enqueued to this subscriber
}

// Topic is a named channel: the unit of subscription and ordering.
//
// Two locks guard it. mu serializes sequence assignment and the ring buffer;
// it is taken by the Broker on every publish. fanMu guards the subscriber list
// and is held by the dispatch worker while fanning out and by Subscribe while
// it enqueues a replay. Subscribe nests mu inside fanMu; the sweeper, which
// holds mu, only try-locks fanMu. Nothing waits on fanMu while holding mu, so
// a slow subscriber never stalls a publish.
type Topic struct {
	name string

	mu         sync.Mutex
	seq        uint64
	ring       *ring
	lastActive time.Time
	dead       bool

	fanMu sync.Mutex
	subs  []*subscriber

	published atomic.Uint64
	drops     atomic.Uint64
}

func newTopic(name string, capacity int, now time.Time) *Topic {
	return &Topic{name: name, ring: newRing(capacity), lastActive: now}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// replayLocked returns buffered messages with Seq >= from. t.mu must be held.
func (t *Topic) replayLocked(from uint64) ([]Message, error) {
	if from == 0 {
		from = 1
	}
	head := t.seq
	if from == head+1 {
		return nil, nil
	}
	oldest, ok := t.ring.oldest()
	if from > head+1 || !ok || from < oldest.Seq {
		gap := &GapError{Topic: t.name, From: from, Head: head}
		if ok {
			gap.Oldest = oldest.Seq
		}
		return nil, gap
	}
	return t.ring.since(from), nil
}

// stats builds a TopicStats. It takes both locks.
func (t *Topic) stats() TopicStats {
	t.fanMu.Lock()
	subs := len(t.subs)
	depth := 0
	for _, s := range t.subs {
		depth += s.conn.outbox.Len()
	}
	t.fanMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	st := TopicStats{
		Name:        t.name,
		Head:        t.seq,
		Buffered:    t.ring.len(),
		Subscribers: subs,
		Published:   t.published.Load(),
		Drops:       t.drops.Load(),
		QueueDepth:  depth,
		LastActive:  t.lastActive,
	}
	if m, ok := t.ring.oldest(); ok {
		st.Oldest = m.Seq
	}
	return st
}

func (t *Topic) findLocked(connID string) *subscriber {
	for _, s := range t.subs {
		if s.conn.ID == connID {
			return s
		}
	}
	return nil
}
