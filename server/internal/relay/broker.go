package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// PublishHook is called with every accepted message, after it has been handed
// to the Router. Hooks run on the publisher's goroutine and must not block.
type PublishHook func(Message)

// Broker is the ingest path of the relay and the only code that assigns
// sequence numbers.
type Broker struct {
	router   *Router
	settings *settings
	obs      Observer
	now      func() time.Time

	acl atomic.Pointer[[]glob.Glob]

	hooksMu sync.RWMutex
	hooks   []PublishHook
}

func newBroker(router *Router, s *settings, obs Observer) (*Broker, error) {
	b := &Broker{router: router, settings: s, obs: obs, now: time.Now}
	if err := b.setACL(s.get().AllowedTopics); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) setACL(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/', '.')
		if err != nil {
			return fmt.Errorf("allowed topic pattern %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}
	b.acl.Store(&compiled)
	return nil
}

// OnPublish registers a hook called for every accepted message.
func (b *Broker) OnPublish(h PublishHook) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.hooks = append(b.hooks, h)
}

// CheckTopic validates a topic name against the length rules and the
// allowed-topics patterns.
func (b *Broker) CheckTopic(name string) error {
	if name == "" || len(name) > MaxTopicLength || !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, name)
	}
	acl := *b.acl.Load()
	if len(acl) == 0 {
		return nil
	}
	for _, g := range acl {
		if g.Match(name) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrTopicForbidden, name)
}

// Ingest validates payload, stamps it with the next sequence number of topic
// and hands it to the Router for fan-out. A rejected publish leaves the
// topic untouched.
func (b *Broker) Ingest(topic string, payload []byte) (Message, error) {
	if err := b.CheckTopic(topic); err != nil {
		b.obs.Rejected(Code(err))
		return Message{}, err
	}
	if max := b.settings.get().MaxPayloadBytes; max > 0 && len(payload) > max {
		b.obs.Rejected(Code(ErrPayloadTooLarge))
		return Message{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(payload), max)
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	var m Message
	for {
		t := b.router.topic(topic, true)
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		m = Message{Topic: topic, Seq: t.seq + 1, Payload: body, PublishedAt: b.now()}
		if err := b.router.Publish(t, m); err != nil {
			t.mu.Unlock()
			b.obs.Rejected(Code(err))
			return Message{}, err
		}
		t.seq = m.Seq
		t.ring.push(m)
		t.lastActive = m.PublishedAt
		t.published.Add(1)
		t.mu.Unlock()
		break
	}

	b.obs.Published(topic)
	slog.Debug("relay: message accepted", "topic", topic, "seq", m.Seq, "bytes", len(body))

	b.hooksMu.RLock()
	for _, h := range b.hooks {
		h(m)
	}
	b.hooksMu.RUnlock()
	return m, nil
}
