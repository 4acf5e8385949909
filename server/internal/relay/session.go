package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sessions drives the connection lifecycle:
//
//	Connecting → Active → Draining → Closed
//
// Connecting→Active on a successful handshake, Active→Draining on a client
// disconnect or idle timeout, Draining→Closed once the writer has flushed the
// outbox (or DrainTimeout expires). Reconnecting always creates a new
// connection; continuity comes from replaying by sequence number.
type Sessions struct {
	registry *Registry
	router   *Router
	settings *settings
	obs      Observer
	now      func() time.Time
}

func newSessions(reg *Registry, router *Router, s *settings, obs Observer) *Sessions {
	return &Sessions{registry: reg, router: router, settings: s, obs: obs, now: time.Now}
}

// Connect registers a new connection and runs handshake against it. On
// success the connection is Active. On failure it is closed, unregistered
// and the returned error wraps ErrHandshakeFailed.
func (s *Sessions) Connect(remoteAddr string, handshake func(*Connection) error) (*Connection, error) {
	c := s.registry.Register(remoteAddr)
	if handshake != nil {
		if err := handshake(c); err != nil {
			s.transition(c, StateClosed)
			c.outbox.Discard()
			s.registry.Unregister(c.ID) //nolint:errcheck
			slog.Info("relay: handshake failed", "remote", remoteAddr, "err", err)
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
	}
	if err := s.transition(c, StateActive); err != nil {
		return nil, err
	}
	c.touch(s.now())
	slog.Info("relay: connection active", "conn", c.ID, "remote", remoteAddr)
	return c, nil
}

// Heartbeat records client liveness.
func (s *Sessions) Heartbeat(id string) error {
	c, err := s.registry.Lookup(id)
	if err != nil {
		return err
	}
	c.touch(s.now())
	return nil
}

// Disconnect starts a graceful close: the connection stops receiving new
// messages and its writer flushes what is already queued, then calls Closed.
func (s *Sessions) Disconnect(id string) error {
	c, err := s.registry.Lookup(id)
	if err != nil {
		return err
	}
	return s.drain(c, "client disconnect")
}

func (s *Sessions) drain(c *Connection, reason string) error {
	if err := s.transition(c, StateDraining); err != nil {
		return err
	}
	c.drainingSince.Store(s.now().UnixNano())
	s.router.unsubscribeAll(c)
	c.outbox.Close()
	slog.Info("relay: connection draining", "conn", c.ID, "reason", reason, "queued", c.outbox.Len())
	return nil
}

// Closed finishes a connection after its outbox has been flushed.
func (s *Sessions) Closed(id string) error {
	c, err := s.registry.Lookup(id)
	if err != nil {
		return err
	}
	return s.finish(c, false)
}

// Abort closes a connection immediately, e.g. after a transport failure.
// Anything still queued for it is released.
func (s *Sessions) Abort(id string) error {
	c, err := s.registry.Lookup(id)
	if err != nil {
		return err
	}
	return s.finish(c, true)
}

func (s *Sessions) finish(c *Connection, discard bool) error {
	if err := s.transition(c, StateClosed); err != nil {
		return err
	}
	dropped := 0
	if discard {
		dropped = c.outbox.Discard()
	} else {
		c.outbox.Close()
	}
	if err := s.registry.Unregister(c.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	slog.Info("relay: connection closed", "conn", c.ID, "discarded", dropped)
	return nil
}

// Sweep moves idle Active connections to Draining and force-closes Draining
// connections that outlived DrainTimeout. It returns how many of each it
// handled.
func (s *Sessions) Sweep(now time.Time) (idle, forced int) {
	opts := s.settings.get()
	for _, c := range s.registry.List() {
		switch c.State() {
		case StateActive:
			if now.Sub(c.LastSeen()) >= opts.IdleTimeout {
				if s.drain(c, "idle timeout") == nil {
					idle++
				}
			}
		case StateDraining:
			since := time.Unix(0, c.drainingSince.Load())
			if now.Sub(since) >= opts.DrainTimeout {
				if s.finish(c, true) == nil {
					forced++
				}
			}
		}
	}
	return idle, forced
}

// Run ticks Sweep every second until ctx is cancelled.
func (s *Sessions) Run(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if idle, forced := s.Sweep(now); idle > 0 || forced > 0 {
				slog.Debug("relay: swept sessions", "idle", idle, "forced", forced)
			}
		}
	}
}

func (s *Sessions) transition(c *Connection, to State) error {
	from, err := c.advance(to)
	if err != nil {
		return fmt.Errorf("connection %s: %w", c.ID, err)
	}
	s.obs.Transition(from, to)
	return nil
}
