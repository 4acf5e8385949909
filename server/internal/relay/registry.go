package relay

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// Registry tracks live connections. It is safe for concurrent use.
type Registry struct {
	conns    *xsync.MapOf[string, *Connection]
	router   *Router
	settings *settings
	now      func() time.Time
}

// newRegistry returns a Registry that unsubscribes removed connections from
// router.
func newRegistry(router *Router, s *settings) *Registry {
	return &Registry{
		conns:    xsync.NewMapOf[string, *Connection](),
		router:   router,
		settings: s,
		now:      time.Now,
	}
}

// Register allocates a fresh connection id and stores the connection in
// StateConnecting.
func (r *Registry) Register(remoteAddr string) *Connection {
	opts := r.settings.get()
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), opts.PublishBurst)
	}
	c := newConnection(uuid.New().String(), remoteAddr, r.now(), opts.QueueSize, limiter)
	r.conns.Store(c.ID, c)
	return c
}

// Unregister removes the connection and its subscriptions. Unknown ids return
// ErrNotFound, which callers may treat as "already gone".
func (r *Registry) Unregister(id string) error {
	c, ok := r.conns.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	r.router.unsubscribeAll(c)
	return nil
}

// Lookup returns the connection with the given id.
func (r *Registry) Lookup(id string) (*Connection, error) {
	c, ok := r.conns.Load(id)
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// List returns all registered connections ordered by connect time.
func (r *Registry) List() []*Connection {
	out := make([]*Connection, 0, r.conns.Size())
	r.conns.Range(func(_ string, c *Connection) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int { return r.conns.Size() }

// CountByState returns the number of registered connections per state.
func (r *Registry) CountByState() map[State]int {
	out := make(map[State]int, 4)
	r.conns.Range(func(_ string, c *Connection) bool {
		out[c.State()]++
		return true
	})
	return out
}
