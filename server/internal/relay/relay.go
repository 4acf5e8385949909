package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Relay wires the Registry, Router, Broker and Sessions together. It is the
// entry point used by the transports.
type Relay struct {
	Registry *Registry
	Router   *Router
	Broker   *Broker
	Sessions *Sessions

	settings *settings
	mu       sync.Mutex // serializes Reconfigure
}

// New builds a Relay from opts. Zero fields take their defaults. obs may be
// nil.
func New(opts Options, obs Observer) (*Relay, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if obs == nil {
		obs = nopObserver{}
	}
	s := newSettings(opts)
	router := newRouter(s, obs)
	broker, err := newBroker(router, s, obs)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("relay: %w", err)
	}
	reg := newRegistry(router, s)
	return &Relay{
		Registry: reg,
		Router:   router,
		Broker:   broker,
		Sessions: newSessions(reg, router, s, obs),
		settings: s,
	}, nil
}

// Options returns the live options.
func (r *Relay) Options() Options { return r.settings.get() }

// Reconfigure applies the runtime-tunable fields of opts (payload limit,
// timeouts, backpressure policy, allowed topics). Structural fields keep
// their construction-time values.
func (r *Relay) Reconfigure(opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.settings.get()
	next := cur
	next.MaxPayloadBytes = opts.MaxPayloadBytes
	next.IdleTimeout = opts.IdleTimeout
	next.DrainTimeout = opts.DrainTimeout
	next.BackpressurePolicy = opts.BackpressurePolicy
	next.BlockTimeout = opts.BlockTimeout
	next.AllowedTopics = opts.AllowedTopics
	next, err := next.normalize()
	if err != nil {
		return fmt.Errorf("relay: reconfigure: %w", err)
	}
	if err := r.Broker.setACL(next.AllowedTopics); err != nil {
		return fmt.Errorf("relay: reconfigure: %w", err)
	}
	r.settings.set(next)
	slog.Info("relay: options reconfigured",
		"max_payload_bytes", next.MaxPayloadBytes,
		"idle_timeout", next.IdleTimeout,
		"backpressure_policy", next.BackpressurePolicy,
	)
	return nil
}

// Run starts the topic and session sweepers. It blocks until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.Router.Run(ctx) }()
	go func() { defer wg.Done(); r.Sessions.Run(ctx) }()
	wg.Wait()
}

// Close aborts every connection and stops the dispatch workers.
func (r *Relay) Close() {
	for _, c := range r.Registry.List() {
		r.Sessions.Abort(c.ID) //nolint:errcheck
	}
	r.Router.Close()
}

// Publish ingests a message that did not come from a connection (REST, gRPC).
func (r *Relay) Publish(topic string, payload []byte) (Message, error) {
	return r.Broker.Ingest(topic, payload)
}

// PublishFrom ingests a message sent by connection connID, enforcing its
// state and publish rate.
func (r *Relay) PublishFrom(connID, topic string, payload []byte) (Message, error) {
	c, err := r.Registry.Lookup(connID)
	if err != nil {
		return Message{}, err
	}
	if st := c.State(); st != StateActive {
		return Message{}, fmt.Errorf("publish: connection is %s: %w", st, ErrClosed)
	}
	if !c.allowPublish() {
		r.Broker.obs.Rejected(Code(ErrRateLimited))
		return Message{}, fmt.Errorf("publish to %q: %w", topic, ErrRateLimited)
	}
	return r.Broker.Ingest(topic, payload)
}

// Subscribe subscribes connection connID to topic. See Router.Subscribe.
func (r *Relay) Subscribe(connID, topic string, fromSeq *uint64) (uint64, error) {
	c, err := r.Registry.Lookup(connID)
	if err != nil {
		return 0, err
	}
	if err := r.Broker.CheckTopic(topic); err != nil {
		return 0, err
	}
	return r.Router.Subscribe(c, topic, fromSeq)
}

// Unsubscribe removes connection connID from topic.
func (r *Relay) Unsubscribe(connID, topic string) error {
	if _, err := r.Registry.Lookup(connID); err != nil {
		return err
	}
	return r.Router.Unsubscribe(connID, topic)
}

// Replay returns buffered messages of topic with Seq >= fromSeq.
func (r *Relay) Replay(topic string, fromSeq uint64) ([]Message, error) {
	return r.Router.Replay(topic, fromSeq)
}
