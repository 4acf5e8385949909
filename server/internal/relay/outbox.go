package relay

import (
	"fmt"
	"sync"
	"time"
)

// Policy decides what a full Outbox does with a new message.
type Policy string

const (
	PolicyDropOldest Policy = "drop-oldest"
	PolicyDropNewest Policy = "drop-newest"
	PolicyBlock      Policy = "block"
)

// ParsePolicy validates s. The empty string means PolicyDropOldest.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyDropOldest:
		return PolicyDropOldest, nil
	case PolicyDropNewest, PolicyBlock:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("backpressure policy %q unknown: want drop-oldest|drop-newest|block", s)
	}
}

// Outbox is the bounded delivery queue of one connection. Producers (the
// dispatch workers) Push; the connection's writer Pops. A full Outbox never
// blocks a producer for longer than the block policy's wait.
type Outbox struct {
	mu       sync.Mutex
	items    []Message // circular
	head     int
	n        int
	notices  []*Backpressure
	closed   bool
	dropped  uint64
	ready    chan struct{}
	space    chan struct{}
	released chan struct{}
}

// NewOutbox returns an Outbox holding at most capacity messages.
func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{
		items:    make([]Message, capacity),
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		released: make(chan struct{}),
	}
}

// Push enqueues m. It returns the number of messages dropped to make the
// decision (the evicted oldest one, or m itself) and ErrBackpressure when m
// was not enqueued. ErrClosed is returned once the Outbox is closed.
func (o *Outbox) Push(m Message, policy Policy, wait time.Duration) (int, error) {
	var deadline time.Time
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return 0, ErrClosed
		}
		if o.n < len(o.items) {
			o.appendLocked(m)
			o.mu.Unlock()
			o.signal(o.ready)
			return 0, nil
		}

		switch policy {
		case PolicyBlock:
			if deadline.IsZero() {
				deadline = time.Now().Add(wait)
			}
			remaining := time.Until(deadline)
			if remaining > 0 {
				o.mu.Unlock()
				t := time.NewTimer(remaining)
				select {
				case <-o.space:
				case <-o.released:
				case <-t.C:
				}
				t.Stop()
				continue
			}
			fallthrough
		case PolicyDropNewest:
			o.noteDropLocked(m)
			o.mu.Unlock()
			o.signal(o.ready)
			return 1, ErrBackpressure
		default:
			evicted := o.items[o.head]
			o.items[o.head] = Message{}
			o.head = (o.head + 1) % len(o.items)
			o.n--
			o.noteDropLocked(evicted)
			o.appendLocked(m)
			o.mu.Unlock()
			o.signal(o.ready)
			return 1, nil
		}
	}
}

// Pop takes the next delivery without blocking. A Backpressure notice is
// delivered as soon as no message of its topic older than the last dropped one
// is still queued, so it lands exactly where the gap is.
func (o *Outbox) Pop() (Delivery, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, nb := range o.notices {
		if !o.queuedBeforeLocked(nb) {
			o.notices = append(o.notices[:i:i], o.notices[i+1:]...)
			return Delivery{Notice: nb}, true
		}
	}
	if o.n == 0 {
		return Delivery{}, false
	}
	m := o.items[o.head]
	o.items[o.head] = Message{}
	o.head = (o.head + 1) % len(o.items)
	o.n--
	o.signal(o.space)
	return Delivery{Message: &m}, true
}

// Ready is signalled whenever something is pushed or the Outbox is closed.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// Dropped returns the total number of messages dropped so far.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close stops accepting pushes. Already queued deliveries can still be popped.
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.released)
	}
	o.mu.Unlock()
	o.signal(o.ready)
}

// Drained reports whether the Outbox is closed and fully popped.
func (o *Outbox) Drained() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed && o.n == 0 && len(o.notices) == 0
}

// Discard closes the Outbox and releases everything still queued.
// It returns the number of messages thrown away.
func (o *Outbox) Discard() int {
	o.mu.Lock()
	n := o.n
	for i := range o.items {
		o.items[i] = Message{}
	}
	o.head, o.n = 0, 0
	o.notices = nil
	if !o.closed {
		o.closed = true
		close(o.released)
	}
	o.mu.Unlock()
	o.signal(o.ready)
	return n
}

func (o *Outbox) appendLocked(m Message) {
	o.items[(o.head+o.n)%len(o.items)] = m
	o.n++
}

// queuedBeforeLocked reports whether a message of nb's topic with a lower
// sequence number than nb.LastDroppedSeq is still queued.
func (o *Outbox) queuedBeforeLocked(nb *Backpressure) bool {
	for i := 0; i < o.n; i++ {
		m := &o.items[(o.head+i)%len(o.items)]
		if m.Topic == nb.Topic && m.Seq < nb.LastDroppedSeq {
			return true
		}
	}
	return false
}

func (o *Outbox) noteDropLocked(m Message) {
	o.dropped++
	for _, nb := range o.notices {
		if nb.Topic == m.Topic {
			nb.Dropped++
			if m.Seq > nb.LastDroppedSeq {
				nb.LastDroppedSeq = m.Seq
			}
			return
		}
	}
	o.notices = append(o.notices, &Backpressure{Topic: m.Topic, Dropped: 1, LastDroppedSeq: m.Seq})
}

func (o *Outbox) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
