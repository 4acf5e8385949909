package relay

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// Default values for Options.
const (
	DefaultMaxPayloadBytes    = 64 * 1024
	DefaultRingBufferCapacity = 100
	DefaultIdleTimeout        = 60 * time.Second
	DefaultDrainTimeout       = 5 * time.Second
	DefaultRetention          = 5 * time.Minute
	DefaultBlockTimeout       = 100 * time.Millisecond
	DefaultQueueSize          = 256
	MaxTopicLength            = 256

	// MinIdleTimeout is the shortest idle timeout the session sweeper, which
	// ticks every second, can honour.
	MinIdleTimeout = 2 * time.Second
)

// Options configures a Relay. MaxPayloadBytes, IdleTimeout, DrainTimeout,
// BackpressurePolicy, BlockTimeout and AllowedTopics can be changed at runtime
// with Relay.Reconfigure; the rest are fixed at construction.
type Options struct {
	MaxPayloadBytes    int
	RingBufferCapacity int
	IdleTimeout        time.Duration
	DrainTimeout       time.Duration
	Retention          time.Duration // 0 keeps ring entries and idle topics forever
	BackpressurePolicy Policy
	BlockTimeout       time.Duration
	QueueSize          int
	DispatchWorkers    int     // 0 means GOMAXPROCS
	PublishRate        float64 // per connection, messages/second; 0 is unlimited
	PublishBurst       int
	AllowedTopics      []string // glob patterns; empty allows every topic
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	return Options{
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		RingBufferCapacity: DefaultRingBufferCapacity,
		IdleTimeout:        DefaultIdleTimeout,
		DrainTimeout:       DefaultDrainTimeout,
		Retention:          DefaultRetention,
		BackpressurePolicy: PolicyDropOldest,
		BlockTimeout:       DefaultBlockTimeout,
		QueueSize:          DefaultQueueSize,
	}
}

// normalize fills zero values with defaults and validates the rest.
func (o Options) normalize() (Options, error) {
	d := DefaultOptions()
	if o.MaxPayloadBytes < 0 {
		return o, fmt.Errorf("max_payload_bytes must not be negative")
	}
	if o.MaxPayloadBytes == 0 {
		o.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if o.RingBufferCapacity <= 0 {
		o.RingBufferCapacity = d.RingBufferCapacity
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.IdleTimeout < MinIdleTimeout {
		return o, fmt.Errorf("idle_timeout %v is below the minimum of %v", o.IdleTimeout, MinIdleTimeout)
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.Retention < 0 {
		return o, fmt.Errorf("retention must not be negative")
	}
	p, err := ParsePolicy(string(o.BackpressurePolicy))
	if err != nil {
		return o, err
	}
	o.BackpressurePolicy = p
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = d.BlockTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.DispatchWorkers <= 0 {
		o.DispatchWorkers = runtime.GOMAXPROCS(0)
	}
	if o.PublishRate < 0 {
		return o, fmt.Errorf("publish_rate must not be negative")
	}
	if o.PublishRate > 0 && o.PublishBurst <= 0 {
		o.PublishBurst = int(o.PublishRate)
		if o.PublishBurst < 1 {
			o.PublishBurst = 1
		}
	}
	return o, nil
}

// settings holds the live Options shared by every relay component.
type settings struct {
	p atomic.Pointer[Options]
}

func newSettings(o Options) *settings {
	s := &settings{}
	s.p.Store(&o)
	return s
}

func (s *settings) get() Options { return *s.p.Load() }

func (s *settings) set(o Options) { s.p.Store(&o) }
