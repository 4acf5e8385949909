package relay

import "time"

// Message is one published payload. It is immutable once the Broker has
// stamped it with a sequence number.
type Message struct {
	Topic       string
	Seq         uint64
	Payload     []byte
	PublishedAt time.Time
}

// Backpressure describes messages dropped for one subscriber on one topic
// because its outbox was full.
type Backpressure struct {
	Topic          string
	Dropped        uint64
	LastDroppedSeq uint64
}

// Delivery is one item taken from an Outbox: either a Message or a
// Backpressure notice.
type Delivery struct {
	Message *Message
	Notice  *Backpressure
}

// TopicStats is a point-in-time view of one topic.
type TopicStats struct {
	Name        string    `json:"name"`
	Head        uint64    `json:"head_seq"`
	Oldest      uint64    `json:"oldest_seq"`
	Buffered    int       `json:"buffered"`
	Subscribers int       `json:"subscribers"`
	Published   uint64    `json:"published"`
	Drops       uint64    `json:"drops"`
	QueueDepth  int       `json:"queue_depth"`
	LastActive  time.Time `json:"last_active"`
}
