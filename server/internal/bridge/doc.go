// Package bridge mirrors accepted relay messages to an external broker.
//
// Forwarder.Forward is registered as a relay publish hook and never blocks:
// messages go into an in-memory channel (default capacity 1000) and when it is
// full the oldest entry is evicted. Forwarder.Run drains the channel into a
// Sink, retrying transient failures with truncated exponential backoff
// (1s→60s, ±25% jitter). Errors wrapped in ErrPermanent discard the message
// instead of retrying.
//
// Two sinks are provided: Kafka (segmentio/kafka-go) and core NATS
// (nats-io/nats.go). Both name the destination SubjectPrefix + topic.
package bridge
