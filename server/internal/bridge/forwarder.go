package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/relay/server/internal/config"
	"github.com/obsidianstack/relay/server/internal/relay"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
)

// ErrPermanent marks a sink error that retrying cannot fix, such as a subject
// the broker rejects or a message over its size limit.
var ErrPermanent = errors.New("permanent")

// Sink is an external destination for relay messages.
type Sink interface {
	Send(ctx context.Context, m relay.Message) error
	Close() error
}

// Forwarder buffers relay messages and ships them to a Sink.
// Forward() is non-blocking; when the buffer is full the oldest message is
// evicted. Run() must be called in a goroutine to drain the buffer.
type Forwarder struct {
	name string
	sink Sink
	buf  chan relay.Message

	retryInitial time.Duration // injectable for tests

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
}

// Stats is a snapshot of forwarder counters.
type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`   // evicted from a full buffer
	Discarded uint64 `json:"discarded"` // permanent sink errors
	Buffered  int    `json:"buffered"`
}

// New builds the Forwarder described by cfg. It returns nil and no error when
// the bridge is disabled.
func New(cfg config.BridgeConfig) (*Forwarder, error) {
	var (
		sink Sink
		err  error
	)
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "kafka":
		sink, err = NewKafkaSink(cfg.Brokers, cfg.SubjectPrefix)
	case "nats":
		sink, err = NewNATSSink(cfg.URL, cfg.SubjectPrefix)
	default:
		return nil, fmt.Errorf("bridge: unknown kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: %s: %w", cfg.Kind, err)
	}
	return NewForwarder(cfg.Kind, sink, cfg.BufferSize), nil
}

// NewForwarder wraps sink with a drop-oldest buffer of the given size.
func NewForwarder(name string, sink Sink, bufferSize int) *Forwarder {
	if bufferSize <= 0 {
		bufferSize = config.DefaultBridgeBufferSize
	}
	return &Forwarder{
		name:         name,
		sink:         sink,
		buf:          make(chan relay.Message, bufferSize),
		retryInitial: backoffInitial,
	}
}

// Forward enqueues m. If the buffer is full the oldest entry is evicted to
// make room. Safe to use as a relay.PublishHook.
func (f *Forwarder) Forward(m relay.Message) {
	for {
		select {
		case f.buf <- m:
			return
		default:
		}
		// Buffer full: drop the oldest message, keep the newest.
		select {
		case old := <-f.buf:
			f.dropped.Add(1)
			slog.Warn("bridge: buffer full, evicted oldest message",
				"sink", f.name, "topic", old.Topic, "seq", old.Seq, "buffer_cap", cap(f.buf))
		default:
		}
	}
}

// Run drains the buffer into the sink until ctx is cancelled, then closes the
// sink.
func (f *Forwarder) Run(ctx context.Context) {
	defer func() {
		if err := f.sink.Close(); err != nil {
			slog.Warn("bridge: close sink", "sink", f.name, "err", err)
		}
	}()

	bo := newBackoff(f.retryInitial)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-f.buf:
			if !f.send(ctx, bo, m) {
				return
			}
		}
	}
}

// send delivers m, retrying transient errors. It returns false once ctx is
// cancelled.
func (f *Forwarder) send(ctx context.Context, bo *backoff, m relay.Message) bool {
	for {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := f.sink.Send(sendCtx, m)
		cancel()

		switch {
		case err == nil:
			f.forwarded.Add(1)
			bo.reset()
			slog.Debug("bridge: message forwarded", "sink", f.name, "topic", m.Topic, "seq", m.Seq)
			return true
		case errors.Is(err, ErrPermanent):
			f.discarded.Add(1)
			slog.Error("bridge: permanent send error, discarding message",
				"sink", f.name, "topic", m.Topic, "seq", m.Seq, "err", err)
			return true
		}

		if ctx.Err() != nil {
			return false
		}
		wait := bo.next()
		slog.Warn("bridge: send failed, will retry",
			"sink", f.name, "topic", m.Topic, "seq", m.Seq, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Stats returns the current counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Forwarded: f.forwarded.Load(),
		Dropped:   f.dropped.Load(),
		Discarded: f.discarded.Load(),
		Buffered:  len(f.buf),
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	current time.Duration
}

func newBackoff(initial time.Duration) *backoff {
	return &backoff{initial: initial, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
