package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/auth"
	"github.com/obsidianstack/relay/server/internal/relay"
	wsHub "github.com/obsidianstack/relay/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

func newRelay(t *testing.T, mutate func(*relay.Options)) *relay.Relay {
	t.Helper()
	opts := relay.DefaultOptions()
	opts.DispatchWorkers = 2
	if mutate != nil {
		mutate(&opts)
	}
	r, err := relay.New(opts, nil)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
// Returns the ws:// URL, the hub, and a cancel function.
func startHub(t *testing.T, r *relay.Relay, check func(*http.Request) error) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(r, check)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(hub)
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and consumes the connected event.
func dial(t *testing.T, wsURL string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	ev := readEvent(t, conn)
	if ev.Event != types.EventConnected || ev.ConnID == "" {
		t.Fatalf("first event: got %+v, want connected with conn_id", ev)
	}
	return conn, ev.ConnID
}

func sendOp(t *testing.T, conn *websocket.Conn, f types.Framing, op types.Op) {
	t.Helper()
	data, err := types.Encode(f, op)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	mt := websocket.TextMessage
	if f == types.FramingMsgpack {
		mt = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(mt, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// readEvent reads one event from conn with a short deadline, decoding it
// according to the frame type.
func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	f := types.FramingJSON
	if mt == websocket.BinaryMessage {
		f = types.FramingMsgpack
	}
	var ev types.Event
	if err := types.Decode(f, data, &ev); err != nil {
		t.Fatalf("decode %s: %v", f, err)
	}
	return ev
}

// readUntil reads events until one named want arrives and returns it
// together with the message events seen on the way.
func readUntil(t *testing.T, conn *websocket.Conn, want string) (types.Event, []types.Event) {
	t.Helper()
	var msgs []types.Event
	for i := 0; i < 100; i++ {
		ev := readEvent(t, conn)
		if ev.Event == want {
			return ev, msgs
		}
		if ev.Event == types.EventMessage {
			msgs = append(msgs, ev)
		}
	}
	t.Fatalf("no %s event within 100 frames", want)
	return types.Event{}, nil
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string, from *uint64) {
	t.Helper()
	sendOp(t, conn, types.FramingJSON, types.Op{Op: types.OpSubscribe, Ref: "sub-" + topic, Topic: topic, FromSeq: from})
	ack, _ := readUntil(t, conn, types.EventAck)
	if ack.Ref != "sub-"+topic {
		t.Fatalf("subscribe ack ref: got %q, want sub-%s", ack.Ref, topic)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesConnectionID(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)

	_, id := dial(t, wsURL)
	c, err := r.Registry.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if c.State() != relay.StateActive {
		t.Errorf("state: got %v, want active", c.State())
	}
}

func TestHub_PublishReachesSubscriber(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)

	sub, _ := dial(t, wsURL)
	pub, _ := dial(t, wsURL)
	subscribe(t, sub, "room1", nil)

	sendOp(t, pub, types.FramingJSON, types.Op{
		Op: types.OpPublish, Ref: "p1", Topic: "room1", Payload: types.Payload(`{"user":"ann","text":"hi"}`),
	})
	ack := readEvent(t, pub)
	if ack.Event != types.EventAck || ack.Ref != "p1" || ack.Seq != 1 {
		t.Errorf("publish ack: got %+v, want ack p1 seq 1", ack)
	}

	ev := readEvent(t, sub)
	if ev.Event != types.EventMessage {
		t.Fatalf("event: got %s, want message", ev.Event)
	}
	if ev.Topic != "room1" || ev.Seq != 1 {
		t.Errorf("message: got %s/%d, want room1/1", ev.Topic, ev.Seq)
	}
	if string(ev.Payload) != `{"user":"ann","text":"hi"}` {
		t.Errorf("payload: got %s", ev.Payload)
	}
	if ev.TS == 0 {
		t.Error("ts: missing")
	}
}

func TestHub_SubscribeWithReplay(t *testing.T) {
	r := newRelay(t, nil)
	for _, p := range []string{`1`, `2`, `3`, `4`} {
		if _, err := r.Publish("news", []byte(p)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	wsURL, _, _ := startHub(t, r, nil)
	conn, _ := dial(t, wsURL)

	from := uint64(3)
	sendOp(t, conn, types.FramingJSON, types.Op{Op: types.OpSubscribe, Ref: "s", Topic: "news", FromSeq: &from})

	var got []uint64
	for len(got) < 2 {
		ev := readEvent(t, conn)
		switch ev.Event {
		case types.EventAck:
			if ev.Head != 4 {
				t.Errorf("ack head: got %d, want 4", ev.Head)
			}
		case types.EventMessage:
			got = append(got, ev.Seq)
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("replayed: got %v, want [3 4]", got)
	}
}

func TestHub_ReplayGapIsReported(t *testing.T) {
	r := newRelay(t, func(o *relay.Options) { o.RingBufferCapacity = 2 })
	for _, p := range []string{`"A"`, `"B"`, `"C"`} {
		r.Publish("room1", []byte(p)) //nolint:errcheck
	}
	wsURL, _, _ := startHub(t, r, nil)
	conn, _ := dial(t, wsURL)

	from := uint64(1)
	sendOp(t, conn, types.FramingJSON, types.Op{Op: types.OpSubscribe, Ref: "s", Topic: "room1", FromSeq: &from})
	ev := readEvent(t, conn)
	if ev.Event != types.EventError || ev.Code != "replay_gap" || ev.Ref != "s" {
		t.Errorf("event: got %+v, want error replay_gap", ev)
	}
}

func TestHub_MsgpackFraming(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	conn, _ := dial(t, wsURL)

	sendOp(t, conn, types.FramingMsgpack, types.Op{Op: types.OpSubscribe, Ref: "s", Topic: "bin"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, _, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("frame type: got %d, want binary", mt)
	}

	payload := []byte{0x00, 0x01, 0xfe}
	if _, err := r.Publish("bin", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Event != types.EventMessage || string(ev.Payload) != string(payload) {
		t.Errorf("message: got %+v", ev)
	}
}

func TestHub_PayloadTooLarge(t *testing.T) {
	r := newRelay(t, func(o *relay.Options) { o.MaxPayloadBytes = 16 })
	wsURL, _, _ := startHub(t, r, nil)
	conn, _ := dial(t, wsURL)

	sendOp(t, conn, types.FramingJSON, types.Op{
		Op: types.OpPublish, Ref: "big", Topic: "room", Payload: types.Payload(`"` + strings.Repeat("x", 32) + `"`),
	})
	ev := readEvent(t, conn)
	if ev.Event != types.EventError || ev.Code != "payload_too_large" {
		t.Errorf("event: got %+v, want error payload_too_large", ev)
	}
	if _, err := r.Router.TopicStats("room"); err == nil {
		t.Error("topic created by rejected publish")
	}
}

func TestHub_BadFrame(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	conn, _ := dial(t, wsURL)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"teleport","ref":"x"}`)) //nolint:errcheck
	ev := readEvent(t, conn)
	if ev.Event != types.EventError || ev.Code != "bad_request" {
		t.Errorf("event: got %+v, want error bad_request", ev)
	}

	// The connection stays usable.
	sendOp(t, conn, types.FramingJSON, types.Op{Op: types.OpPing, Ref: "p"})
	if ev := readEvent(t, conn); ev.Event != types.EventPong || ev.Ref != "p" {
		t.Errorf("event: got %+v, want pong", ev)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	conn, _ := dial(t, wsURL)
	subscribe(t, conn, "room", nil)

	sendOp(t, conn, types.FramingJSON, types.Op{Op: types.OpUnsubscribe, Ref: "u", Topic: "room"})
	if ev := readEvent(t, conn); ev.Event != types.EventAck || ev.Ref != "u" {
		t.Fatalf("event: got %+v, want ack u", ev)
	}
	r.Publish("room", []byte(`1`)) //nolint:errcheck

	sendOp(t, conn, types.FramingJSON, types.Op{Op: types.OpPing, Ref: "p"})
	if ev := readEvent(t, conn); ev.Event != types.EventPong {
		t.Errorf("event after unsubscribe: got %+v, want pong", ev)
	}
}

func TestHub_AuthRequired(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, auth.RequestCheck("apikey", "x-api-key", "s3cret"))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without key: expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %v, want 401", resp)
	}
	if n := r.Registry.Count(); n != 0 {
		t.Errorf("registry after failed handshake: got %d, want 0", n)
	}

	h := http.Header{}
	h.Set("x-api-key", "s3cret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(wsURL+"?api_key=s3cret", nil)
	if err != nil {
		t.Fatalf("dial with query key: %v", err)
	}
	conn.Close()
}

func TestHub_DisconnectAcksAndCloses(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, hub, _ := startHub(t, r, nil)
	conn, id := dial(t, wsURL)
	subscribe(t, conn, "room", nil)

	c, err := r.Registry.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	r.Publish("room", []byte(`1`)) //nolint:errcheck
	if ev := readEvent(t, conn); ev.Event != types.EventMessage || ev.Seq != 1 {
		t.Fatalf("event: got %+v, want message 1", ev)
	}

	sendOp(t, conn, types.FramingJSON, types.Op{Op: types.OpDisconnect, Ref: "bye"})
	if ev := readEvent(t, conn); ev.Event != types.EventAck || ev.Ref != "bye" {
		t.Fatalf("event: got %+v, want ack bye", ev)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}

	waitFor(t, "connection closed", func() bool { return c.State() == relay.StateClosed })
	waitFor(t, "hub empty", func() bool { return hub.Count() == 0 })
	if n := r.Registry.Count(); n != 0 {
		t.Errorf("registry: got %d, want 0", n)
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, hub, _ := startHub(t, r, nil)

	conn, _ := dial(t, wsURL)
	waitFor(t, "registration", func() bool { return hub.Count() == 1 })

	conn.Close()
	waitFor(t, "unregistration", func() bool { return hub.Count() == 0 })
	waitFor(t, "relay cleanup", func() bool { return r.Registry.Count() == 0 })
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, hub, cancel := startHub(t, r, nil)

	for i := 0; i < 3; i++ {
		dial(t, wsURL)
	}
	waitFor(t, "registration", func() bool { return hub.Count() == 3 })

	cancel()

	waitFor(t, "shutdown", func() bool { return hub.Count() == 0 })
	if n := r.Registry.Count(); n != 0 {
		t.Errorf("registry after cancel: got %d, want 0", n)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	r := newRelay(t, nil)
	srv := httptest.NewServer(wsHub.New(r, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
	if n := r.Registry.Count(); n != 0 {
		t.Errorf("registry: got %d, want 0", n)
	}
}
