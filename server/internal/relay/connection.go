package relay

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists every legal lifecycle edge.
var transitions = map[State][]State{
	StateConnecting: {StateActive, StateClosed},
	StateActive:     {StateDraining, StateClosed},
	StateDraining:   {StateClosed},
}

// Connection is one live client. The Registry owns it; topic subscriber lists
// only reference it.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	state         atomic.Int32
	lastSeen      atomic.Int64 // unix nanos
	drainingSince atomic.Int64 // unix nanos, 0 unless draining

	outbox  *Outbox
	limiter *rate.Limiter // nil means unlimited

	mu     sync.Mutex
	topics map[string]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newConnection(id, remoteAddr string, now time.Time, queueSize int, limiter *rate.Limiter) *Connection {
	c := &Connection{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		outbox:      NewOutbox(queueSize),
		limiter:     limiter,
		topics:      make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// advance moves the connection to next if that edge is legal from the
// current state.
func (c *Connection) advance(next State) (State, error) {
	for {
		cur := c.State()
		legal := false
		for _, s := range transitions[cur] {
			if s == next {
				legal = true
				break
			}
		}
		if !legal {
			return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			if next == StateClosed {
				c.doneOnce.Do(func() { close(c.done) })
			}
			return cur, nil
		}
	}
}

// Outbox returns the connection's delivery queue.
func (c *Connection) Outbox() *Outbox { return c.outbox }

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// LastSeen returns the time of the last heartbeat or inbound frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Connection) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// Topics returns the connection's subscriptions, sorted.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) addTopic(name string) {
	c.mu.Lock()
	c.topics[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeTopic(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[name]; !ok {
		return false
	}
	delete(c.topics, name)
	return true
}

// allowPublish consumes one token from the connection's publish limiter.
func (c *Connection) allowPublish() bool {
	return c.limiter == nil || c.limiter.Allow()
}
