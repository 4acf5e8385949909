package types

import (
	"context"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// gRPC service and method names. Messages are plain structs carried by the
// "json" codec below; there is no protobuf schema.
const (
	ServiceName   = "relay.v1.Relay"
	MethodPublish = "/relay.v1.Relay/Publish"
	MethodReplay  = "/relay.v1.Relay/Replay"
)

// CodecName is the gRPC content-subtype of JSONCodec.
const CodecName = "json"

func init() { encoding.RegisterCodec(JSONCodec{}) }

// JSONCodec is a gRPC codec that marshals messages with encoding/json
// semantics.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return CodecName }

type PublishRequest struct {
	Topic   string  `json:"topic"`
	Payload Payload `json:"payload"`
}

type PublishResponse struct {
	Topic string `json:"topic"`
	Seq   uint64 `json:"seq"`
}

type ReplayRequest struct {
	Topic   string `json:"topic"`
	FromSeq uint64 `json:"from_seq"`
}

// Message is a buffered message as returned by Replay.
type Message struct {
	Topic   string  `json:"topic"`
	Seq     uint64  `json:"seq"`
	Payload Payload `json:"payload"`
	TS      int64   `json:"ts"` // unix milliseconds
}

type ReplayResponse struct {
	Messages []Message `json:"messages"`
}

// RelayClient calls the relay gRPC service.
type RelayClient struct {
	cc grpc.ClientConnInterface
}

// NewRelayClient wraps cc. Calls are sent with the JSON codec.
func NewRelayClient(cc grpc.ClientConnInterface) *RelayClient {
	return &RelayClient{cc: cc}
}

func (c *RelayClient) Publish(ctx context.Context, req *PublishRequest, opts ...grpc.CallOption) (*PublishResponse, error) {
	out := new(PublishResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, MethodPublish, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RelayClient) Replay(ctx context.Context, req *ReplayRequest, opts ...grpc.CallOption) (*ReplayResponse, error) {
	out := new(ReplayResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, MethodReplay, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
