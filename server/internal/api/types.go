package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status      string         `json:"status"`
	Connections int            `json:"connections"`
	States      map[string]int `json:"states"`
	Topics      int            `json:"topics"`
	AlertCount  int            `json:"alert_count"`
	UptimeSec   int64          `json:"uptime_seconds"`
}

// ConnectionResponse is one entry in GET /api/v1/connections.
type ConnectionResponse struct {
	ID          string   `json:"id"`
	RemoteAddr  string   `json:"remote_addr"`
	State       string   `json:"state"`
	Topics      []string `json:"topics"`
	ConnectedAt string   `json:"connected_at"` // RFC3339
	LastSeen    string   `json:"last_seen"`    // RFC3339
	Queued      int      `json:"queued"`
	Dropped     uint64   `json:"dropped"`
}

// GapResponse is the 410 payload of a replay that reaches back past the
// ring buffer. Oldest and Head bound what can still be replayed.
type GapResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Oldest uint64 `json:"oldest_seq"`
	Head   uint64 `json:"head_seq"`
}
