package receiver

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/relay"
)

// Server is the relay.v1.Relay service.
type Server interface {
	Publish(context.Context, *types.PublishRequest) (*types.PublishResponse, error)
	Replay(context.Context, *types.ReplayRequest) (*types.ReplayResponse, error)
}

// Receiver implements Server on top of a relay.
type Receiver struct {
	relay *relay.Relay
}

// New creates a Receiver that publishes to and replays from r.
func New(r *relay.Relay) *Receiver {
	return &Receiver{relay: r}
}

// Register adds srv to s under the relay.v1.Relay service name.
func Register(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Publish ingests one message. It returns the assigned sequence number.
func (r *Receiver) Publish(ctx context.Context, req *types.PublishRequest) (*types.PublishResponse, error) {
	if req.Topic == "" {
		return nil, status.Error(codes.InvalidArgument, "topic is required")
	}

	m, err := r.relay.Publish(req.Topic, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}

	slog.Debug("receiver: message published",
		"topic", m.Topic,
		"seq", m.Seq,
		"bytes", len(m.Payload),
	)

	return &types.PublishResponse{Topic: m.Topic, Seq: m.Seq}, nil
}

// Replay returns the buffered messages of a topic with seq >= from_seq.
func (r *Receiver) Replay(ctx context.Context, req *types.ReplayRequest) (*types.ReplayResponse, error) {
	if req.Topic == "" {
		return nil, status.Error(codes.InvalidArgument, "topic is required")
	}

	msgs, err := r.relay.Replay(req.Topic, req.FromSeq)
	if err != nil {
		return nil, toStatus(err)
	}

	out := &types.ReplayResponse{Messages: make([]types.Message, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, types.Message{
			Topic:   m.Topic,
			Seq:     m.Seq,
			Payload: types.Payload(m.Payload),
			TS:      m.PublishedAt.UnixMilli(),
		})
	}
	return out, nil
}

// toStatus maps a relay error to a gRPC status.
func toStatus(err error) error {
	code := codes.Internal
	switch relay.Code(err) {
	case "not_found":
		code = codes.NotFound
	case "payload_too_large", "rate_limited", "backpressure":
		code = codes.ResourceExhausted
	case "replay_gap":
		code = codes.OutOfRange
	case "invalid_topic":
		code = codes.InvalidArgument
	case "topic_forbidden":
		code = codes.PermissionDenied
	case "closed":
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: types.ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "Replay", Handler: replayHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay/v1/relay.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: types.MethodPublish}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Publish(ctx, req.(*types.PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func replayHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.ReplayRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Replay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: types.MethodReplay}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Replay(ctx, req.(*types.ReplayRequest))
	}
	return interceptor(ctx, in, info, handler)
}
