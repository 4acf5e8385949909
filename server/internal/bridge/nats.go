package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/relay/server/internal/relay"
)

// Headers attached to every mirrored message.
const (
	headerTopic = "Relay-Topic"
	headerSeq   = "Relay-Seq"
)

// NATSSink publishes relay messages on core NATS subjects prefix + topic.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to url. The connection retries and reconnects forever
// in the background; publishes made while disconnected are buffered by the
// client library.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("relay-bridge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

// Send publishes m. ctx is unused: a core NATS publish only enqueues.
func (n *NATSSink) Send(_ context.Context, m relay.Message) error {
	err := n.nc.PublishMsg(natsMsg(n.prefix, m))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: nats: %v", ErrPermanent, err)
	default:
		return fmt.Errorf("nats: %w", err)
	}
}

// Close drains pending publishes and closes the connection.
func (n *NATSSink) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}

func natsMsg(prefix string, m relay.Message) *nats.Msg {
	msg := nats.NewMsg(prefix + m.Topic)
	msg.Data = m.Payload
	msg.Header.Set(headerTopic, m.Topic)
	msg.Header.Set(headerSeq, strconv.FormatUint(m.Seq, 10))
	return msg
}
