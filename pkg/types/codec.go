package types

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Framing selects the codec of a frame.
type Framing int

const (
	FramingJSON Framing = iota
	FramingMsgpack
)

func (f Framing) String() string {
	switch f {
	case FramingJSON:
		return "json"
	case FramingMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ParseFraming maps "json" (or "") and "msgpack" to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "json":
		return FramingJSON, nil
	case "msgpack":
		return FramingMsgpack, nil
	default:
		return 0, fmt.Errorf("framing %q unknown: want json|msgpack", s)
	}
}

// Encode serializes v with framing f.
func Encode(f Framing, v any) ([]byte, error) {
	if f == FramingMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// Decode parses data with framing f into v. Decoding errors wrap ErrBadFrame.
func Decode(f Framing, data []byte, v any) error {
	var err error
	if f == FramingMsgpack {
		err = msgpack.Unmarshal(data, v)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("%s: %v: %w", f, err, ErrBadFrame)
	}
	return nil
}

// DecodeOp decodes and validates a client op.
func DecodeOp(f Framing, data []byte) (Op, error) {
	var op Op
	if err := Decode(f, data, &op); err != nil {
		return Op{}, err
	}
	return op, op.Validate()
}
