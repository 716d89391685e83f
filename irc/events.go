package irc

import (
	"github.com/presbrey/ircdcc/hooks"
)

// State is the connection state of a Client
type State int32

const (
	Disconnected State = iota
	Connecting
	Registered
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	default:
		return "unknown"
	}
}

// StatusEvent is published on every connection state change
type StatusEvent struct {
	State  State
	Server string
	Nick   string
	Reason string
}

// Events holds the subscriber registries of a Client. Subscribers are
// called synchronously on the publishing goroutine; message subscribers
// run on the receive loop, in wire order.
type Events struct {
	Message *hooks.Registry[*Message]
	Status  *hooks.Registry[StatusEvent]
	Error   *hooks.Registry[error]
}

// NewEvents creates empty registries
func NewEvents() *Events {
	return &Events{
		Message: hooks.NewRegistry[*Message](),
		Status:  hooks.NewRegistry[StatusEvent](),
		Error:   hooks.NewRegistry[error](),
	}
}
