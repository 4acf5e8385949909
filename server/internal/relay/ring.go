package relay

import "time"

// ring is a fixed-capacity buffer of the most recent messages of one topic.
// Entries are always consecutive sequence numbers, oldest first.
// It is not safe for concurrent use; the owning Topic guards it.
type ring struct {
	buf   []Message
	start int // index of the oldest entry
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Message, capacity)}
}

// push appends m, evicting the oldest entry when full.
// It reports whether an entry was evicted.
func (r *ring) push(m Message) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = m
		r.n++
		return false
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
	return true
}

func (r *ring) len() int { return r.n }

// oldest returns the first buffered message.
func (r *ring) oldest() (Message, bool) {
	if r.n == 0 {
		return Message{}, false
	}
	return r.buf[r.start], true
}

// since returns copies of all buffered messages with Seq >= seq, in order.
func (r *ring) since(seq uint64) []Message {
	first, ok := r.oldest()
	if !ok {
		return nil
	}
	skip := 0
	if seq > first.Seq {
		skip = int(seq - first.Seq)
	}
	if skip >= r.n {
		return nil
	}
	out := make([]Message, 0, r.n-skip)
	for i := skip; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// pruneBefore drops leading entries published before cutoff and returns how
// many were removed.
func (r *ring) pruneBefore(cutoff time.Time) int {
	removed := 0
	for r.n > 0 && r.buf[r.start].PublishedAt.Before(cutoff) {
		r.buf[r.start] = Message{}
		r.start = (r.start + 1) % len(r.buf)
		r.n--
		removed++
	}
	return removed
}
