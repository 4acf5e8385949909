package types

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Ops sent by clients.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpPing        = "ping"
	OpDisconnect  = "disconnect"
)

// Events sent by servers.
const (
	EventConnected    = "connected"
	EventAck          = "ack"
	EventMessage      = "message"
	EventBackpressure = "backpressure"
	EventError        = "error"
	EventPong         = "pong"
)

// ErrBadFrame is returned for frames that cannot be decoded or are missing
// required fields.
var ErrBadFrame = errors.New("bad frame")

// Payload is an opaque message body. In JSON frames it is embedded verbatim
// when it is itself valid JSON and as a JSON string otherwise; in MessagePack
// frames it is carried as bin.
type Payload []byte

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(p) {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

// UnmarshalJSON implements json.Unmarshaler. The raw JSON value is kept as is.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Op is a client request. Ref is echoed back on the matching ack or error.
type Op struct {
	Op      string  `json:"op" msgpack:"op"`
	Ref     string  `json:"ref,omitempty" msgpack:"ref,omitempty"`
	Topic   string  `json:"topic,omitempty" msgpack:"topic,omitempty"`
	FromSeq *uint64 `json:"from_seq,omitempty" msgpack:"from_seq,omitempty"`
	Payload Payload `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Validate checks that the op is known and carries the fields it needs.
func (o Op) Validate() error {
	switch o.Op {
	case OpSubscribe, OpUnsubscribe:
		if o.Topic == "" {
			return fmt.Errorf("%s: topic required: %w", o.Op, ErrBadFrame)
		}
	case OpPublish:
		if o.Topic == "" {
			return fmt.Errorf("publish: topic required: %w", ErrBadFrame)
		}
	case OpPing, OpDisconnect:
	case "":
		return fmt.Errorf("op missing: %w", ErrBadFrame)
	default:
		return fmt.Errorf("op %q unknown: %w", o.Op, ErrBadFrame)
	}
	return nil
}

// Event is a server frame. Which fields are set depends on Event.
type Event struct {
	Event string `json:"event" msgpack:"event"`
	Ref   string `json:"ref,omitempty" msgpack:"ref,omitempty"`

	// connected
	ConnID string `json:"conn_id,omitempty" msgpack:"conn_id,omitempty"`

	// message, ack, backpressure
	Topic   string  `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Seq     uint64  `json:"seq,omitempty" msgpack:"seq,omitempty"`
	Head    uint64  `json:"head,omitempty" msgpack:"head,omitempty"`
	Payload Payload `json:"payload,omitempty" msgpack:"payload,omitempty"`
	TS      int64   `json:"ts,omitempty" msgpack:"ts,omitempty"` // unix milliseconds

	// backpressure
	Dropped        uint64 `json:"dropped,omitempty" msgpack:"dropped,omitempty"`
	LastDroppedSeq uint64 `json:"last_dropped_seq,omitempty" msgpack:"last_dropped_seq,omitempty"`

	// error
	Code  string `json:"code,omitempty" msgpack:"code,omitempty"`
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Time returns TS as a time.Time.
func (e Event) Time() time.Time { return time.UnixMilli(e.TS) }
