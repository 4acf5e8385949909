package ws_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/relay/client"
	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/relay"
)

// End-to-end tests of the client package against a live hub.

func dialClient(t *testing.T, wsURL string, opts client.Options) *client.Client {
	t.Helper()
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = 10 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, wsURL, opts)
	if err != nil {
		t.Fatalf("client.Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	waitFor(t, "connection id", func() bool { return c.ConnID() != "" })
	return c
}

// nextEvent returns the next event of the given kind from c, skipping others.
func nextEvent(t *testing.T, c *client.Client, kind string) types.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Messages():
			if !ok {
				t.Fatalf("Messages closed while waiting for %s", kind)
			}
			if ev.Event == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func messageSeqs(t *testing.T, c *client.Client, n int) []uint64 {
	t.Helper()
	out := make([]uint64, 0, n)
	for len(out) < n {
		out = append(out, nextEvent(t, c, types.EventMessage).Seq)
	}
	return out
}

func expectSeqs(t *testing.T, got []uint64, from uint64) {
	t.Helper()
	for i, s := range got {
		if want := from + uint64(i); s != want {
			t.Fatalf("seqs: got %v, want consecutive from %d", got, from)
		}
	}
}

func TestClient_PublishAndReceive(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{})
	ctx := context.Background()

	if err := c.Subscribe(ctx, "room1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for want := uint64(1); want <= 3; want++ {
		seq, err := c.Publish(ctx, "room1", []byte(`{"n":1}`))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if seq != want {
			t.Errorf("Publish seq: got %d, want %d", seq, want)
		}
	}
	expectSeqs(t, messageSeqs(t, c, 3), 1)
}

func TestClient_SubscribeFromReplays(t *testing.T) {
	r := newRelay(t, nil)
	for i := 0; i < 5; i++ {
		r.Publish("news", []byte(`1`)) //nolint:errcheck
	}
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{Framing: types.FramingMsgpack})

	if err := c.SubscribeFrom(context.Background(), "news", 3); err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}
	expectSeqs(t, messageSeqs(t, c, 3), 3)
}

func TestClient_SubscribeFromGapFails(t *testing.T) {
	r := newRelay(t, func(o *relay.Options) { o.RingBufferCapacity = 2 })
	for i := 0; i < 3; i++ {
		r.Publish("room1", []byte(`1`)) //nolint:errcheck
	}
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{})

	err := c.SubscribeFrom(context.Background(), "room1", 1)
	if !client.IsCode(err, "replay_gap") {
		t.Fatalf("SubscribeFrom: got %v, want replay_gap", err)
	}
}

func TestClient_ResumesWithoutDuplicatesOrGaps(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{})

	if err := c.Subscribe(context.Background(), "room1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		r.Publish("room1", []byte(`1`)) //nolint:errcheck
	}
	expectSeqs(t, messageSeqs(t, c, 3), 1)

	first := c.ConnID()
	if err := r.Sessions.Abort(first); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	for i := 0; i < 3; i++ {
		r.Publish("room1", []byte(`1`)) //nolint:errcheck
	}

	expectSeqs(t, messageSeqs(t, c, 3), 4)
	if c.ConnID() == first {
		t.Error("client did not reconnect with a new connection")
	}

	// Live delivery continues on the new connection.
	r.Publish("room1", []byte(`1`)) //nolint:errcheck
	expectSeqs(t, messageSeqs(t, c, 1), 7)
}

func TestClient_ReplayGapOnResumeIsReported(t *testing.T) {
	r := newRelay(t, func(o *relay.Options) { o.RingBufferCapacity = 2 })
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{ReconnectInitial: 300 * time.Millisecond})

	if err := c.Subscribe(context.Background(), "room1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.Publish("room1", []byte(`1`)) //nolint:errcheck
	expectSeqs(t, messageSeqs(t, c, 1), 1)

	r.Sessions.Abort(c.ConnID()) //nolint:errcheck
	// Seqs 2..5 are published while disconnected; only 4 and 5 stay buffered.
	for i := 0; i < 4; i++ {
		r.Publish("room1", []byte(`1`)) //nolint:errcheck
	}

	ev := nextEvent(t, c, types.EventError)
	if ev.Code != "replay_gap" || ev.Topic != "room1" {
		t.Fatalf("error event: got %+v, want replay_gap on room1", ev)
	}

	// The topic resumes live after the gap.
	waitFor(t, "resubscription", func() bool {
		st, err := r.Router.TopicStats("room1")
		return err == nil && st.Subscribers == 1
	})
	r.Publish("room1", []byte(`1`)) //nolint:errcheck
	expectSeqs(t, messageSeqs(t, c, 1), 6)
}

func TestClient_AuthRejected(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, func(req *http.Request) error {
		if req.Header.Get("x-api-key") != "secret" {
			return errors.New("invalid api key")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Dial(ctx, wsURL, client.Options{}); err == nil {
		t.Fatal("Dial without key: expected error")
	}
	dialClient(t, wsURL, client.Options{APIKey: "secret"})
}

func TestClient_CloseEndsStream(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Error("Messages still open after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Messages not closed after Close")
	}
	if _, err := c.Publish(context.Background(), "t", []byte(`1`)); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Publish after Close: got %v, want ErrClosed", err)
	}
	waitFor(t, "registry empty", func() bool { return r.Registry.Count() == 0 })
}

func TestClient_QuietClientSurvivesShortIdleTimeout(t *testing.T) {
	r := newRelay(t, func(o *relay.Options) { o.IdleTimeout = relay.MinIdleTimeout })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{})
	if err := c.Subscribe(context.Background(), "room1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	first := c.ConnID()

	// Nothing is sent for twice the idle timeout; pongs keep the session alive.
	time.Sleep(2 * relay.MinIdleTimeout)

	if got := c.ConnID(); got != first {
		t.Fatalf("conn id: got %s, want %s (session was dropped)", got, first)
	}
	conn, err := r.Registry.Lookup(first)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if st := conn.State(); st != relay.StateActive {
		t.Errorf("state: got %s, want active", st)
	}
	r.Publish("room1", []byte(`1`)) //nolint:errcheck
	expectSeqs(t, messageSeqs(t, c, 1), 1)
}

func TestClient_ResumesOnRecreatedTopic(t *testing.T) {
	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{ReconnectInitial: 500 * time.Millisecond})

	if err := c.Subscribe(context.Background(), "room1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		r.Publish("room1", []byte(`1`)) //nolint:errcheck
	}
	expectSeqs(t, messageSeqs(t, c, 3), 1)

	// With its only subscriber gone and the retention window passed, the
	// topic is removed; the next publish starts it again at seq 1.
	r.Sessions.Abort(c.ConnID()) //nolint:errcheck
	pruned, removed := r.Router.Sweep(time.Now().Add(time.Hour))
	if pruned != 3 || removed != 1 {
		t.Fatalf("Sweep: got pruned=%d removed=%d, want 3 and 1", pruned, removed)
	}

	ev := nextEvent(t, c, types.EventError)
	if ev.Code != "replay_gap" {
		t.Fatalf("error event: got %+v, want replay_gap", ev)
	}
	waitFor(t, "resubscription", func() bool {
		st, err := r.Router.TopicStats("room1")
		return err == nil && st.Subscribers == 1
	})

	for i := 0; i < 3; i++ {
		r.Publish("room1", []byte(`1`)) //nolint:errcheck
	}
	expectSeqs(t, messageSeqs(t, c, 3), 1)
}

func TestClient_CloseIsNotReportedAsConnectionLoss(t *testing.T) {
	buf := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := newRelay(t, nil)
	wsURL, _, _ := startHub(t, r, nil)
	c := dialClient(t, wsURL, client.Options{})
	if err := c.Subscribe(context.Background(), "room1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close waits for the read loop, so everything the client logs is in buf.
	if out := buf.String(); strings.Contains(out, "connection lost") || strings.Contains(out, "reconnect") {
		t.Errorf("Close logged a reconnect:\n%s", out)
	}
	waitFor(t, "registry empty", func() bool { return r.Registry.Count() == 0 })
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of server and
// client goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
