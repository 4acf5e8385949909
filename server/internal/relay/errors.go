package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the relay. None of them is fatal to the process;
// each is scoped to one connection, topic or request.
var (
	ErrNotFound          = errors.New("not found")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrBackpressure      = errors.New("backpressure")
	ErrReplayGap         = errors.New("replay gap")
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrTopicForbidden    = errors.New("topic not allowed")
	ErrRateLimited       = errors.New("rate limited")
	ErrClosed            = errors.New("connection closed")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// GapError reports a replay request that cannot be served from the ring
// buffer. Oldest is the first sequence still buffered (0 when the buffer is
// empty) and Head the latest assigned one. It matches ErrReplayGap.
type GapError struct {
	Topic  string
	From   uint64
	Oldest uint64
	Head   uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("replay gap on %q: requested from %d, buffered [%d, %d]",
		e.Topic, e.From, e.Oldest, e.Head)
}

func (e *GapError) Is(target error) bool { return target == ErrReplayGap }

// Code maps err to the stable string code used on the wire and in metrics.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrReplayGap):
		return "replay_gap"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, ErrInvalidTopic):
		return "invalid_topic"
	case errors.Is(err, ErrTopicForbidden):
		return "topic_forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}
