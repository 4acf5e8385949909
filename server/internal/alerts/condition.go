package alerts

import (
	"strconv"
	"strings"

	"github.com/obsidianstack/relay/server/internal/relay"
)

// evalCondition evaluates a rule condition string against one topic's stats.
//
// Supported expressions (field operator value):
//
//	drops > 10
//	subscribers == 0
//	queue_depth > 100
//	head_seq > 1000000
//	buffered >= 1000
//	published > 0
//
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, st relay.TopicStats) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	v, ok := numericField(field, st)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

// numericField maps a field name to its value in the stats.
func numericField(field string, st relay.TopicStats) (float64, bool) {
	switch field {
	case "drops":
		return float64(st.Drops), true
	case "subscribers":
		return float64(st.Subscribers), true
	case "queue_depth":
		return float64(st.QueueDepth), true
	case "head_seq":
		return float64(st.Head), true
	case "buffered":
		return float64(st.Buffered), true
	case "published":
		return float64(st.Published), true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
