package orders

import "time"

type EventKind string

const (
	EventCreated      EventKind = "created"
	EventStateChanged EventKind = "state_changed"
	EventFilled       EventKind = "filled"
	EventCompleted    EventKind = "completed"
	EventCanceled     EventKind = "canceled"
	EventFailed       EventKind = "failed"
)

type Event struct {
	Kind     EventKind
	Order    Order
	Previous State
	Trade    *TradeUpdate
	Reason   string
	Time     time.Time
}

// Listener receives tracker events outside the tracker lock, in emission order.
type Listener interface {
	OnOrderEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnOrderEvent(ev Event) {
	f(ev)
}
