package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/relay/pkg/types"
)

const (
	defaultHeader    = "x-api-key"
	defaultBuffer    = 256
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// CodeDisconnected is the error code given to requests in flight when the
// connection drops.
const CodeDisconnected = "disconnected"

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client closed")
	// ErrNotConnected is returned while the client is between connections.
	ErrNotConnected = errors.New("not connected")
)

// ServerError is an error event returned by the server for a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return e.Code + ": " + e.Message }

// IsCode reports whether err is a ServerError with the given code.
func IsCode(err error, code string) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}

// Options configures a Client. The zero value is usable.
type Options struct {
	// APIKey is sent in Header on every (re)connect when set.
	APIKey string
	// Header defaults to x-api-key.
	Header string
	// Framing selects JSON text frames (default) or msgpack binary frames.
	Framing types.Framing
	// Buffer is the capacity of the Messages channel (default 256).
	Buffer int
	// ReconnectInitial and ReconnectMax bound the reconnect backoff
	// (defaults 500ms and 30s). A negative ReconnectInitial disables
	// reconnecting.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client is a resuming relay subscriber and publisher. It is safe for
// concurrent use.
type Client struct {
	url  string
	opts Options

	refs   atomic.Uint64
	events chan types.Event

	mu      sync.Mutex
	conn    *websocket.Conn
	connID  string
	subs    map[string]uint64 // topic -> last delivered seq
	pending map[string]chan types.Event

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // run
	subWG     sync.WaitGroup // resubscribe goroutines
}

// Dial connects to url (ws:// or wss://). The first connection must succeed;
// later drops are retried in the background until Close.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Header == "" {
		opts.Header = defaultHeader
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = reconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = reconnectMax
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		url:     url,
		opts:    opts,
		events:  make(chan types.Event, opts.Buffer),
		subs:    make(map[string]uint64),
		pending: make(map[string]chan types.Event),
		done:    make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

// Messages returns the event stream: message and backpressure events for
// subscribed topics, plus error events the client could not attribute to a
// request (such as a replay gap found while resuming). It is closed by Close.
func (c *Client) Messages() <-chan types.Event { return c.events }

// ConnID returns the server-assigned id of the current connection.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Subscribe subscribes to live messages of topic published from now on.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.subscribe(ctx, topic, nil)
}

// SubscribeFrom subscribes to topic replaying buffered messages with
// seq >= from first. It fails with code replay_gap when from was evicted.
func (c *Client) SubscribeFrom(ctx context.Context, topic string, from uint64) error {
	return c.subscribe(ctx, topic, &from)
}

func (c *Client) subscribe(ctx context.Context, topic string, from *uint64) error {
	// Registered before the request so replayed messages racing the ack are
	// not dropped as unsolicited.
	c.mu.Lock()
	_, existed := c.subs[topic]
	if !existed {
		c.subs[topic] = startSeq(from)
	}
	c.mu.Unlock()

	ev, err := c.request(ctx, types.Op{Op: types.OpSubscribe, Topic: topic, FromSeq: from})
	if err != nil {
		if !existed {
			c.mu.Lock()
			delete(c.subs, topic)
			c.mu.Unlock()
		}
		return err
	}

	// Live-only: nothing at or below the head will be delivered.
	if from == nil && !existed {
		c.skipTo(topic, ev.Head)
	}
	return nil
}

// skipTo marks everything up to head as seen for topic.
func (c *Client) skipTo(topic string, head uint64) {
	c.mu.Lock()
	if last, ok := c.subs[topic]; ok && last < head {
		c.subs[topic] = head
	}
	c.mu.Unlock()
}

// Unsubscribe stops delivery for topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	_, err := c.request(ctx, types.Op{Op: types.OpUnsubscribe, Topic: topic})
	return err
}

// Publish sends payload to topic and returns the sequence number the server
// assigned.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	ev, err := c.request(ctx, types.Op{Op: types.OpPublish, Topic: topic, Payload: types.Payload(payload)})
	if err != nil {
		return 0, err
	}
	return ev.Seq, nil
}

// Ping round-trips a ping op.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, types.Op{Op: types.OpPing})
	return err
}

// Close disconnects gracefully, stops reconnecting and closes Messages.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// done is closed first so the server closing the socket after its
		// ack is not taken for a lost connection.
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.roundTrip(ctx, types.Op{Op: types.OpDisconnect}) //nolint:errcheck
		cancel()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// --- internal ---------------------------------------------------------------

func startSeq(from *uint64) uint64 {
	if from == nil || *from == 0 {
		return 0
	}
	return *from - 1
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set(c.opts.Header, c.opts.APIKey)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (HTTP %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// run reads from conn, reconnecting when it drops, until Close.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	defer func() {
		c.subWG.Wait()
		close(c.events)
	}()

	bo := newBackoff(c.opts.ReconnectInitial, c.opts.ReconnectMax)
	for {
		err := c.readLoop(conn)
		c.dropConn(conn)
		if c.closed() || c.opts.ReconnectInitial < 0 {
			return
		}
		slog.Warn("client: connection lost, will reconnect", "url", c.url, "err", err)

		for {
			wait := bo.next()
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			conn, err = c.dial(ctx)
			cancel()
			if err == nil {
				break
			}
			slog.Warn("client: reconnect failed", "url", c.url, "err", err, "retry_in", bo.peek())
		}
		bo.reset()
		slog.Info("client: reconnected", "url", c.url)

		c.subWG.Add(1)
		go c.resubscribe()
	}
}

// resubscribe restores every subscription on a fresh connection, resuming one
// past the last delivered sequence.
func (c *Client) resubscribe() {
	defer c.subWG.Done()

	c.mu.Lock()
	resume := make(map[string]uint64, len(c.subs))
	for t, last := range c.subs {
		resume[t] = last
	}
	c.mu.Unlock()

	for topic, last := range resume {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		from := last + 1
		_, err := c.request(ctx, types.Op{Op: types.OpSubscribe, Topic: topic, FromSeq: &from})
		if IsCode(err, "replay_gap") {
			c.emit(types.Event{Event: types.EventError, Topic: topic, Code: "replay_gap", Error: err.Error()})
			// The topic may have been swept and recreated with its sequence
			// restarted, so the old position is void.
			c.mu.Lock()
			if _, ok := c.subs[topic]; ok {
				c.subs[topic] = 0
			}
			c.mu.Unlock()
			var ack types.Event
			ack, err = c.request(ctx, types.Op{Op: types.OpSubscribe, Topic: topic})
			if err == nil {
				c.skipTo(topic, ack.Head)
			}
		}
		cancel()
		if err != nil {
			slog.Warn("client: resubscribe failed", "topic", topic, "err", err)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f := types.FramingJSON
		if mt == websocket.BinaryMessage {
			f = types.FramingMsgpack
		}
		var ev types.Event
		if err := types.Decode(f, data, &ev); err != nil {
			slog.Warn("client: undecodable frame", "err", err)
			continue
		}
		c.handle(ev)
	}
}

// handle routes one server event.
func (c *Client) handle(ev types.Event) {
	switch ev.Event {
	case types.EventConnected:
		c.mu.Lock()
		c.connID = ev.ConnID
		c.mu.Unlock()

	case types.EventAck, types.EventPong:
		c.reply(ev)

	case types.EventError:
		if !c.reply(ev) {
			c.emit(ev)
		}

	case types.EventMessage:
		c.mu.Lock()
		last, ok := c.subs[ev.Topic]
		fresh := ok && ev.Seq > last
		if fresh {
			c.subs[ev.Topic] = ev.Seq
		}
		c.mu.Unlock()
		if fresh {
			c.emit(ev)
		}

	case types.EventBackpressure:
		c.emit(ev)
	}
}

// reply hands ev to the request waiting on its ref.
func (c *Client) reply(ev types.Event) bool {
	if ev.Ref == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[ev.Ref]
	delete(c.pending, ev.Ref)
	c.mu.Unlock()
	if ok {
		ch <- ev
	}
	return ok
}

func (c *Client) emit(ev types.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// dropConn forgets conn and fails every request still waiting on it.
func (c *Client) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan types.Event)
	c.mu.Unlock()

	for ref, ch := range pending {
		ch <- types.Event{Event: types.EventError, Ref: ref, Code: CodeDisconnected, Error: "connection lost"}
	}
}

func (c *Client) request(ctx context.Context, op types.Op) (types.Event, error) {
	if c.closed() {
		return types.Event{}, ErrClosed
	}
	return c.roundTrip(ctx, op)
}

// roundTrip writes op and waits for the event answering it.
func (c *Client) roundTrip(ctx context.Context, op types.Op) (types.Event, error) {
	op.Ref = strconv.FormatUint(c.refs.Add(1), 10)
	ch := make(chan types.Event, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return types.Event{}, ErrNotConnected
	}
	c.pending[op.Ref] = ch
	c.mu.Unlock()

	if err := c.write(conn, op); err != nil {
		c.mu.Lock()
		delete(c.pending, op.Ref)
		c.mu.Unlock()
		return types.Event{}, err
	}

	select {
	case ev := <-ch:
		if ev.Event == types.EventError {
			return ev, &ServerError{Code: ev.Code, Message: ev.Error}
		}
		return ev, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, op.Ref)
		c.mu.Unlock()
		return types.Event{}, ctx.Err()
	}
}

func (c *Client) write(conn *websocket.Conn, op types.Op) error {
	data, err := types.Encode(c.opts.Framing, op)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if c.opts.Framing == types.FramingMsgpack {
		mt = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return conn.WriteMessage(mt, data)
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// backoff implements truncated exponential backoff with ±25% jitter.
type backoff struct {
	initial, max, current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

func (b *backoff) peek() time.Duration { return b.current }

func (b *backoff) next() time.Duration {
	d := b.current
	d += time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	if d < 0 {
		d = 0
	}
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() { b.current = b.initial }
