package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/alerts"
	"github.com/obsidianstack/relay/server/internal/auth"
	"github.com/obsidianstack/relay/server/internal/relay"
)

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads live state from the relay and returns JSON responses.
type Handler struct {
	relay   *relay.Relay
	alerts  *alerts.Engine
	started time.Time
	router  chi.Router
}

// New creates a Handler wired to the relay and registers all routes.
// metrics is mounted at /metrics when non-nil. check guards every route except
// health and metrics; nil accepts everything. eng may be nil.
func New(r *relay.Relay, eng *alerts.Engine, metrics http.Handler, check func(*http.Request) error) http.Handler {
	h := &Handler{relay: r, alerts: eng, started: time.Now(), router: chi.NewRouter()}

	h.router.Use(middleware.Recoverer)
	h.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})

	h.router.Get("/api/v1/health", h.health)
	if metrics != nil {
		h.router.Method(http.MethodGet, "/metrics", metrics)
	}

	h.router.Group(func(rt chi.Router) {
		if check != nil {
			rt.Use(auth.Middleware(check))
		}
		rt.Get("/api/v1/topics", h.listTopics)
		rt.Get("/api/v1/topics/{topic}", h.getTopic)
		rt.Get("/api/v1/topics/{topic}/messages", h.replay)
		rt.Post("/api/v1/topics/{topic}/messages", h.publish)
		rt.Get("/api/v1/connections", h.connections)
		rt.Get("/api/v1/alerts", h.listAlerts)
	})

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: connection and topic counts.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Connections: h.relay.Registry.Count(),
		States:      make(map[string]int),
		Topics:      len(h.relay.Router.Topics()),
		UptimeSec:   int64(time.Since(h.started).Seconds()),
	}
	for st, n := range h.relay.Registry.CountByState() {
		resp.States[st.String()] = n
	}
	if h.alerts != nil {
		resp.AlertCount = len(h.alerts.Active())
	}
	jsonResp(w, http.StatusOK, resp)
}

// listTopics returns GET /api/v1/topics: stats for every live topic.
func (h *Handler) listTopics(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, h.relay.Router.Topics())
}

// getTopic returns GET /api/v1/topics/{topic}.
func (h *Handler) getTopic(w http.ResponseWriter, r *http.Request) {
	st, err := h.relay.Router.TopicStats(topicParam(r))
	if err != nil {
		relayErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, st)
}

// replay returns GET /api/v1/topics/{topic}/messages?from=N: buffered
// messages with seq >= N.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if s := r.URL.Query().Get("from"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		from = n
	}

	msgs, err := h.relay.Replay(topicParam(r), from)
	if err != nil {
		var gap *relay.GapError
		if errors.As(err, &gap) {
			jsonResp(w, http.StatusGone, GapResponse{
				Error:  err.Error(),
				Code:   relay.Code(err),
				Oldest: gap.Oldest,
				Head:   gap.Head,
			})
			return
		}
		relayErr(w, err)
		return
	}

	resp := types.ReplayResponse{Messages: make([]types.Message, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, types.Message{
			Topic:   m.Topic,
			Seq:     m.Seq,
			Payload: types.Payload(m.Payload),
			TS:      m.PublishedAt.UnixMilli(),
		})
	}
	jsonResp(w, http.StatusOK, resp)
}

// publish handles POST /api/v1/topics/{topic}/messages. The request body is
// the payload, stored as-is.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	limit := int64(h.relay.Options().MaxPayloadBytes)
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	m, err := h.relay.Publish(topicParam(r), body)
	if err != nil {
		relayErr(w, err)
		return
	}
	jsonResp(w, http.StatusCreated, types.PublishResponse{Topic: m.Topic, Seq: m.Seq})
}

// connections returns GET /api/v1/connections: every registered connection.
func (h *Handler) connections(w http.ResponseWriter, _ *http.Request) {
	conns := h.relay.Registry.List()
	out := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, toConnectionResponse(c))
	}
	jsonResp(w, http.StatusOK, out)
}

// listAlerts returns GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, _ *http.Request) {
	if h.alerts == nil {
		jsonResp(w, http.StatusOK, []*alerts.Alert{})
		return
	}
	jsonResp(w, http.StatusOK, h.alerts.Active())
}

// --- helpers ----------------------------------------------------------------

func toConnectionResponse(c *relay.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:          c.ID,
		RemoteAddr:  c.RemoteAddr,
		State:       c.State().String(),
		Topics:      c.Topics(),
		ConnectedAt: c.ConnectedAt.UTC().Format(time.RFC3339),
		LastSeen:    c.LastSeen().UTC().Format(time.RFC3339),
		Queued:      c.Outbox().Len(),
		Dropped:     c.Outbox().Dropped(),
	}
}

// topicParam returns the {topic} path segment, unescaped.
func topicParam(r *http.Request) string {
	raw := chi.URLParam(r, "topic")
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

// httpStatus maps a relay error to its HTTP status code.
func httpStatus(err error) int {
	switch relay.Code(err) {
	case "not_found":
		return http.StatusNotFound
	case "payload_too_large":
		return http.StatusRequestEntityTooLarge
	case "replay_gap":
		return http.StatusGone
	case "invalid_topic":
		return http.StatusBadRequest
	case "topic_forbidden":
		return http.StatusForbidden
	case "rate_limited", "backpressure":
		return http.StatusTooManyRequests
	case "closed":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func relayErr(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Code: relay.Code(err)}) //nolint:errcheck
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
