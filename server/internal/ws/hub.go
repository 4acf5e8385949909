package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/relay"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// maxPingPeriod caps how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	maxPingPeriod = (pongWait * 9) / 10

	// ctrlBufSize is the per-client depth of acks, errors and pongs waiting
	// to be written. A client that lets it fill up is disconnected.
	ctrlBufSize = 64

	// frameOverhead is the read limit on top of the max payload size.
	frameOverhead = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Allow all origins; callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub serves relay connections over WebSocket. Each client gets one reader
// goroutine (readPump) that turns frames into relay operations and one writer
// goroutine (writePump) that drains the connection's outbox.
type Hub struct {
	relay *relay.Relay
	check func(*http.Request) error

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one upgraded WebSocket bound to a relay connection.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	rc      *relay.Connection
	ctrl    chan frame
	framing atomic.Int32 // types.Framing of the last inbound frame
}

// frame is a control event together with the framing it is written in.
type frame struct {
	ev      types.Event
	framing types.Framing
}

// New creates a Hub serving r. check authenticates the upgrade request; nil
// accepts everything.
func New(r *relay.Relay, check func(*http.Request) error) *Hub {
	if check == nil {
		check = func(*http.Request) error { return nil }
	}
	return &Hub{
		relay:   r,
		check:   check,
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then asks every client to disconnect
// gracefully so queued deliveries are flushed.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP authenticates the request, upgrades it to WebSocket and serves
// the client. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	rc, err := h.relay.Sessions.Connect(r.RemoteAddr, func(*relay.Connection) error {
		return h.check(r)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		h.relay.Sessions.Abort(rc.ID) //nolint:errcheck
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		rc:   rc,
		ctrl: make(chan frame, ctrlBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	c.send(types.FramingJSON, types.Event{Event: types.EventConnected, ConnID: rc.ID})

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := h.relay.Sessions.Disconnect(c.rc.ID); err != nil {
			h.relay.Sessions.Abort(c.rc.ID) //nolint:errcheck
		}
	}
}

// send queues a control event. A client whose control queue is full is
// aborted.
func (c *client) send(f types.Framing, ev types.Event) {
	select {
	case c.ctrl <- frame{ev: ev, framing: f}:
	default:
		slog.Warn("ws: control queue full, dropping client", "conn", c.rc.ID)
		c.hub.relay.Sessions.Abort(c.rc.ID) //nolint:errcheck
	}
}

func (c *client) fail(f types.Framing, ref string, err error) {
	code := relay.Code(err)
	if errors.Is(err, types.ErrBadFrame) {
		code = "bad_request"
	}
	c.send(f, types.Event{Event: types.EventError, Ref: ref, Code: code, Error: err.Error()})
}

// readPump reads frames, heartbeats the session and executes ops. Blocks
// until the connection closes or the client disconnects.
func (c *client) readPump() {
	sessions := c.hub.relay.Sessions
	defer func() {
		// A read failure while still Active is a transport failure.
		if c.rc.State() == relay.StateActive {
			sessions.Abort(c.rc.ID) //nolint:errcheck
		}
	}()

	c.conn.SetReadLimit(int64(c.hub.relay.Options().MaxPayloadBytes) + frameOverhead)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		sessions.Heartbeat(c.rc.ID) //nolint:errcheck
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws: read failed", "conn", c.rc.ID, "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		sessions.Heartbeat(c.rc.ID)                       //nolint:errcheck

		f := types.FramingJSON
		if mt == websocket.BinaryMessage {
			f = types.FramingMsgpack
		}
		c.framing.Store(int32(f))

		op, err := types.DecodeOp(f, data)
		if err != nil {
			c.fail(f, op.Ref, err)
			continue
		}
		if !c.handle(f, op) {
			return
		}
	}
}

// handle executes one op. It returns false once the client has asked to
// disconnect.
func (c *client) handle(f types.Framing, op types.Op) bool {
	r := c.hub.relay
	id := c.rc.ID

	switch op.Op {
	case types.OpSubscribe:
		head, err := r.Subscribe(id, op.Topic, op.FromSeq)
		if err != nil {
			c.fail(f, op.Ref, err)
			return true
		}
		c.send(f, types.Event{Event: types.EventAck, Ref: op.Ref, Topic: op.Topic, Head: head})

	case types.OpUnsubscribe:
		if err := r.Unsubscribe(id, op.Topic); err != nil {
			c.fail(f, op.Ref, err)
			return true
		}
		c.send(f, types.Event{Event: types.EventAck, Ref: op.Ref, Topic: op.Topic})

	case types.OpPublish:
		m, err := r.PublishFrom(id, op.Topic, op.Payload)
		if err != nil {
			c.fail(f, op.Ref, err)
			return true
		}
		c.send(f, types.Event{Event: types.EventAck, Ref: op.Ref, Topic: m.Topic, Seq: m.Seq})

	case types.OpPing:
		c.send(f, types.Event{Event: types.EventPong, Ref: op.Ref})

	case types.OpDisconnect:
		// Queue the ack first: the writer closes once the outbox is drained.
		c.send(f, types.Event{Event: types.EventAck, Ref: op.Ref})
		if err := r.Sessions.Disconnect(id); err != nil {
			slog.Debug("ws: disconnect", "conn", id, "err", err)
		}
		return false
	}
	return true
}

// writePump writes control events and outbox deliveries to the connection
// and sends periodic pings. Once the outbox is closed and empty it finishes
// the session. Runs in its own goroutine per client.
func (c *client) writePump() {
	period := pingPeriod(c.hub.relay.Options().IdleTimeout)
	ticker := time.NewTicker(period)
	sessions := c.hub.relay.Sessions
	ob := c.rc.Outbox()
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		// Control events go first so acks are not stuck behind a long replay.
		select {
		case fr := <-c.ctrl:
			if !c.write(fr.framing, fr.ev) {
				return
			}
			continue
		default:
		}

		if d, ok := ob.Pop(); ok {
			if !c.write(types.Framing(c.framing.Load()), deliveryEvent(d)) {
				return
			}
			continue
		}

		if ob.Drained() {
			bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			c.conn.WriteMessage(websocket.CloseMessage, bye)      //nolint:errcheck
			if c.rc.State() == relay.StateDraining {
				sessions.Closed(c.rc.ID) //nolint:errcheck
			}
			return
		}

		select {
		case fr := <-c.ctrl:
			if !c.write(fr.framing, fr.ev) {
				return
			}
		case <-ob.Ready():
		case <-c.rc.Done():
			// Aborted or force-closed; anything left was released.
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sessions.Abort(c.rc.ID) //nolint:errcheck
				return
			}
			// idle_timeout is hot-reloadable.
			if p := pingPeriod(c.hub.relay.Options().IdleTimeout); p != period {
				period = p
				ticker.Reset(p)
			}
		}
	}
}

// pingPeriod returns how often to ping a client. A quiet client's pongs are
// its only heartbeat, so it is pinged three times per idle timeout.
func pingPeriod(idle time.Duration) time.Duration {
	p := idle / 3
	if p <= 0 || p > maxPingPeriod {
		p = maxPingPeriod
	}
	return p
}

// write encodes ev and writes it. On failure the session is aborted.
func (c *client) write(f types.Framing, ev types.Event) bool {
	data, err := types.Encode(f, ev)
	if err != nil {
		slog.Error("ws: encode event", "conn", c.rc.ID, "event", ev.Event, "err", err)
		return true
	}
	mt := websocket.TextMessage
	if f == types.FramingMsgpack {
		mt = websocket.BinaryMessage
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if err := c.conn.WriteMessage(mt, data); err != nil {
		slog.Debug("ws: write failed", "conn", c.rc.ID, "err", err)
		c.hub.relay.Sessions.Abort(c.rc.ID) //nolint:errcheck
		return false
	}
	return true
}

// deliveryEvent converts an outbox delivery into its wire event.
func deliveryEvent(d relay.Delivery) types.Event {
	if d.Notice != nil {
		return types.Event{
			Event:          types.EventBackpressure,
			Topic:          d.Notice.Topic,
			Dropped:        d.Notice.Dropped,
			LastDroppedSeq: d.Notice.LastDroppedSeq,
		}
	}
	m := d.Message
	return types.Event{
		Event:   types.EventMessage,
		Topic:   m.Topic,
		Seq:     m.Seq,
		Payload: types.Payload(m.Payload),
		TS:      m.PublishedAt.UnixMilli(),
	}
}
