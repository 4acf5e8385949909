// Package relay is the in-memory core of the topic relay.
//
// It is made of four cooperating parts, each owning its own state:
//
//   - Registry: live connections keyed by id (Register, Unregister, Lookup).
//   - Router: topics, their ordered subscriber lists and ring buffers;
//     fan-out through a shared dispatch pool (Subscribe, Unsubscribe,
//     Publish, Replay).
//   - Broker: the ingest path, which validates a publish, stamps the next
//     per-topic sequence number under that topic's lock and hands the
//     message to the Router (Ingest).
//   - Sessions: connection lifecycle Connecting → Active → Draining → Closed,
//     heartbeats and idle timeouts.
//
// Relay wires the four together and is what the transports (ws, receiver,
// api) talk to. Every subscriber owns a bounded Outbox; a slow subscriber only
// ever loses its own messages and is told so with a Backpressure notice.
//
// Sequence numbers start at 1 per topic. Only messages still held by a topic's
// ring buffer can be replayed; older requests fail with ErrReplayGap.
package relay
