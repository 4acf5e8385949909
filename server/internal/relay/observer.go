package relay

// Observer receives relay events for metrics. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	Published(topic string)
	Rejected(reason string)
	Delivered(topic string)
	Dropped(topic string, n int)
	ReplayGap(topic string)
	Transition(from, to State)
}

type nopObserver struct{}

func (nopObserver) Published(string)        {}
func (nopObserver) Rejected(string)         {}
func (nopObserver) Delivered(string)        {}
func (nopObserver) Dropped(string, int)     {}
func (nopObserver) ReplayGap(string)        {}
func (nopObserver) Transition(State, State) {}
