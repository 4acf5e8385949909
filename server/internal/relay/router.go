package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	topicShards   = 64
	dispatchDepth = 1024
)

type shard struct {
	mu     sync.Mutex
	topics map[string]*Topic
}

// job is one message waiting for fan-out.
type job struct {
	topic *Topic
	msg   Message
}

// Router maps topic names to their subscribers and fans messages out.
//
// Topics live in a table sharded by xxhash of the name; a shard lock only
// guards map membership. Fan-out runs on a shared pool of dispatch workers;
// a topic is always dispatched by the same worker so its messages leave in
// sequence order.
type Router struct {
	shards   [topicShards]shard
	workers  []chan job
	settings *settings
	obs      Observer
	now      func() time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeMu   sync.RWMutex // guards closed against in-flight Publish sends
	closed    bool
}

func newRouter(s *settings, obs Observer) *Router {
	opts := s.get()
	r := &Router{
		workers:  make([]chan job, opts.DispatchWorkers),
		settings: s,
		obs:      obs,
		now:      time.Now,
	}
	for i := range r.shards {
		r.shards[i].topics = make(map[string]*Topic)
	}
	for i := range r.workers {
		ch := make(chan job, dispatchDepth)
		r.workers[i] = ch
		r.wg.Add(1)
		go r.dispatch(ch)
	}
	return r
}

func (r *Router) shardFor(name string) *shard {
	return &r.shards[xxhash.Sum64String(name)%topicShards]
}

// topic returns the named topic, creating it when create is set.
func (r *Router) topic(name string, create bool) *Topic {
	sh := r.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t, ok := sh.topics[name]
	if !ok && create {
		t = newTopic(name, r.settings.get().RingBufferCapacity, r.now())
		sh.topics[name] = t
	}
	return t
}

// Subscribe adds conn to the end of the topic's subscriber list. When fromSeq
// is set, buffered messages with Seq >= *fromSeq are enqueued ahead of any
// live message. Subscribing twice is idempotent. It returns the topic head at
// subscribe time.
func (r *Router) Subscribe(conn *Connection, name string, fromSeq *uint64) (uint64, error) {
	if st := conn.State(); st != StateActive {
		return 0, fmt.Errorf("subscribe %q: connection is %s: %w", name, st, ErrClosed)
	}
	for {
		t := r.topic(name, true)
		// fanMu first: the subscriber is listed before any message past head
		// can fan out, and waiting behind a running fan-out does not hold mu.
		// The replay is then pushed holding only fanMu, so publishers keep
		// stamping while a slow outbox fills.
		t.fanMu.Lock()
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			t.fanMu.Unlock()
			continue
		}
		var replay []Message
		if fromSeq != nil {
			var err error
			replay, err = t.replayLocked(*fromSeq)
			if err != nil {
				t.mu.Unlock()
				t.fanMu.Unlock()
				r.obs.ReplayGap(name)
				return 0, err
			}
		}
		head := t.seq
		t.lastActive = r.now()
		t.mu.Unlock()

		s := t.findLocked(conn.ID)
		if s == nil {
			s = &subscriber{conn: conn, after: head, last: head}
			if len(replay) > 0 {
				s.last = replay[0].Seq - 1
			}
			t.subs = append(t.subs, s)
			conn.addTopic(name)
		}
		opts := r.settings.get()
		for _, m := range replay {
			if m.Seq <= s.last {
				continue
			}
			s.last = m.Seq
			r.deliver(t, s, m, opts)
		}
		t.fanMu.Unlock()

		slog.Debug("relay: subscribed", "conn", conn.ID, "topic", name, "head", head, "replayed", len(replay))
		return head, nil
	}
}

// Unsubscribe removes the connection from the topic's subscriber list.
func (r *Router) Unsubscribe(connID, name string) error {
	t := r.topic(name, false)
	if t == nil {
		return fmt.Errorf("topic %q: %w", name, ErrNotFound)
	}
	if !r.removeSubscriber(t, connID) {
		return fmt.Errorf("connection %s on topic %q: %w", connID, name, ErrNotFound)
	}
	return nil
}

func (r *Router) removeSubscriber(t *Topic, connID string) bool {
	t.fanMu.Lock()
	found := false
	for i, s := range t.subs {
		if s.conn.ID == connID {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			s.conn.removeTopic(t.name)
			found = true
			break
		}
	}
	t.fanMu.Unlock()

	if found {
		t.mu.Lock()
		t.lastActive = r.now()
		t.mu.Unlock()
	}
	return found
}

// unsubscribeAll removes conn from every topic it subscribed to.
func (r *Router) unsubscribeAll(conn *Connection) {
	for _, name := range conn.Topics() {
		if t := r.topic(name, false); t != nil {
			r.removeSubscriber(t, conn.ID)
		}
		conn.removeTopic(name)
	}
}

// Publish queues a message stamped by the Broker for fan-out. The caller must
// hold t.mu so that messages of one topic enter the dispatch pool in sequence
// order. It fails with ErrClosed once the Router is closed.
func (r *Router) Publish(t *Topic, m Message) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return fmt.Errorf("publish to %q: %w", t.name, ErrClosed)
	}
	w := r.workers[xxhash.Sum64String(t.name)%uint64(len(r.workers))]
	w <- job{topic: t, msg: m}
	return nil
}

// Replay returns the buffered messages of the topic with Seq >= fromSeq.
// It fails with ErrReplayGap when part of that range is no longer buffered.
func (r *Router) Replay(name string, fromSeq uint64) ([]Message, error) {
	t := r.topic(name, false)
	if t == nil {
		if fromSeq <= 1 {
			return nil, nil
		}
		r.obs.ReplayGap(name)
		return nil, &GapError{Topic: name, From: fromSeq}
	}
	t.mu.Lock()
	msgs, err := t.replayLocked(fromSeq)
	t.mu.Unlock()
	if err != nil {
		r.obs.ReplayGap(name)
	}
	return msgs, err
}

// TopicStats returns the stats of one topic.
func (r *Router) TopicStats(name string) (TopicStats, error) {
	t := r.topic(name, false)
	if t == nil {
		return TopicStats{}, fmt.Errorf("topic %q: %w", name, ErrNotFound)
	}
	return t.stats(), nil
}

// Topics returns the stats of every topic, sorted by name.
func (r *Router) Topics() []TopicStats {
	var all []*Topic
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, t := range sh.topics {
			all = append(all, t)
		}
		sh.mu.Unlock()
	}
	out := make([]TopicStats, 0, len(all))
	for _, t := range all {
		out = append(out, t.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep evicts ring entries older than the retention window and removes
// topics that have no subscribers and nothing buffered. It returns the number
// of pruned messages and removed topics. A zero retention disables it.
func (r *Router) Sweep(now time.Time) (pruned, removed int) {
	retention := r.settings.get().Retention
	if retention <= 0 {
		return 0, 0
	}
	cutoff := now.Add(-retention)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for name, t := range sh.topics {
			t.mu.Lock()
			pruned += t.ring.pruneBefore(cutoff)
			// A busy fanMu means a fan-out or replay is running, so the topic
			// is in use; it is looked at again on the next sweep.
			if t.fanMu.TryLock() {
				if len(t.subs) == 0 && t.ring.len() == 0 && !t.lastActive.After(cutoff) {
					t.dead = true
					delete(sh.topics, name)
					removed++
				}
				t.fanMu.Unlock()
			}
			t.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return pruned, removed
}

// Run ticks Sweep at half the retention window (minimum 1 second) until ctx is
// cancelled.
func (r *Router) Run(ctx context.Context) {
	interval := r.settings.get().Retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if p, n := r.Sweep(now); p > 0 || n > 0 {
				slog.Debug("relay: swept topics", "pruned_messages", p, "removed_topics", n)
			}
		}
	}
}

// Close stops the dispatch workers after they drain their queues. Later
// publishes fail with ErrClosed.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		for _, w := range r.workers {
			close(w)
		}
		r.closeMu.Unlock()
		r.wg.Wait()
	})
}

func (r *Router) dispatch(jobs <-chan job) {
	defer r.wg.Done()
	for j := range jobs {
		r.fanOut(j)
	}
}

// fanOut delivers one message to every subscriber in subscription order.
func (r *Router) fanOut(j job) {
	t := j.topic
	opts := r.settings.get()

	t.fanMu.Lock()
	defer t.fanMu.Unlock()
	for _, s := range t.subs {
		if j.msg.Seq <= s.after || j.msg.Seq <= s.last {
			continue
		}
		s.last = j.msg.Seq
		r.deliver(t, s, j.msg, opts)
	}
}

// deliver pushes m to one subscriber's outbox. t.fanMu must be held.
func (r *Router) deliver(t *Topic, s *subscriber, m Message, opts Options) {
	dropped, err := s.conn.outbox.Push(m, opts.BackpressurePolicy, opts.BlockTimeout)
	if errors.Is(err, ErrClosed) {
		return
	}
	if dropped > 0 {
		t.drops.Add(uint64(dropped))
		r.obs.Dropped(t.name, dropped)
		slog.Debug("relay: backpressure drop",
			"conn", s.conn.ID, "topic", t.name, "seq", m.Seq,
			"policy", opts.BackpressurePolicy)
	}
	if err == nil {
		r.obs.Delivered(t.name)
	}
}
