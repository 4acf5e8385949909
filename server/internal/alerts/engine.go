package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/obsidianstack/relay/server/internal/config"
	"github.com/obsidianstack/relay/server/internal/relay"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Topic      string     `json:"topic"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

// rule is a configured AlertRule with its topic filter compiled.
type rule struct {
	config.AlertRule
	topics []glob.Glob
}

func (r rule) matches(topic string) bool {
	if len(r.topics) == 0 {
		return true
	}
	for _, g := range r.topics {
		if g.Match(topic) {
			return true
		}
	}
	return false
}

// Engine evaluates alert rules against topic stats and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:topic"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	now      func() time.Time
}

// New creates an Engine from the server alert configuration.
// An Engine with empty rules is valid; Evaluate becomes a no-op.
func New(cfg config.AlertsConfig) (*Engine, error) {
	rules := make([]rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		compiled := rule{AlertRule: r}
		for _, p := range r.Topics {
			g, err := glob.Compile(p, '.')
			if err != nil {
				return nil, fmt.Errorf("alerts: rule %s: topic pattern %q: %w", r.Name, p, err)
			}
			compiled.topics = append(compiled.topics, g)
		}
		rules = append(rules, compiled)
	}
	return &Engine{
		rules:    rules,
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}, nil
}

// Run evaluates the rules against source() every interval until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration, source func() []relay.TopicStats) {
	if len(e.rules) == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range source() {
				e.Evaluate(st)
			}
		}
	}
}

// Evaluate tests all configured rules against one topic's stats.
// Alerts that fire are stored and webhook delivery is triggered asynchronously.
// Alerts that were firing but whose condition is now false are resolved.
func (e *Engine) Evaluate(st relay.TopicStats) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, r := range e.rules {
		if !r.matches(st.Name) {
			continue
		}
		key := r.Name + ":" + st.Name
		fires, value := evalCondition(r.Condition, st)

		e.mu.Lock()

		if fires {
			cooldown := r.Cooldown
			if cooldown <= 0 {
				cooldown = defaultCooldown
			}
			if now.Sub(e.lastFire[key]) <= cooldown {
				e.mu.Unlock()
				continue
			}
			sev := r.Severity
			if sev == "" {
				sev = "warning"
			}
			a := &Alert{
				ID:       fmt.Sprintf("%s:%s:%d", r.Name, st.Name, now.UnixNano()),
				RuleName: r.Name,
				Topic:    st.Name,
				Severity: sev,
				Value:    value,
				Message: fmt.Sprintf("[%s] %s fired on %s: %s = %.2f",
					sev, r.Name, st.Name, r.Condition, value),
				FiredAt: now,
				State:   "firing",
			}
			e.active[key] = a
			e.lastFire[key] = now
			alertCopy := *a
			e.mu.Unlock()

			slog.Warn("alerts: fired",
				"rule", r.Name,
				"topic", st.Name,
				"value", value,
				"severity", sev,
			)
			go e.deliver(&alertCopy)
			continue
		}

		a, ok := e.active[key]
		if !ok {
			e.mu.Unlock()
			continue
		}
		resolved := now
		a.State = "resolved"
		a.ResolvedAt = &resolved
		delete(e.active, key)

		e.history = append(e.history, a)
		if len(e.history) > maxHistoryLen {
			e.history = e.history[len(e.history)-maxHistoryLen:]
		}
		alertCopy := *a
		e.mu.Unlock()

		slog.Info("alerts: resolved",
			"rule", r.Name,
			"topic", st.Name,
		)
		go e.deliver(&alertCopy)
	}
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
