// Package device implements the network device that feeds received bytes to
// a capture session.
//
// A device drives its Handler from its own goroutines: one receive loop per
// device plus the timer callbacks requested through TimerRunAfter. Callbacks
// may therefore run concurrently with each other.
package device

import (
	"time"
)

// State is the link state of a device.
type State int32

const (
	StateInitialized State = iota
	StateOpening
	StateLinkReady
	StateLinkBroken
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateOpening:
		return "Opening"
	case StateLinkReady:
		return "LinkReady"
	case StateLinkBroken:
		return "LinkBroken"
	case StateDisposing:
		return "Disposing"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// StateChange describes a device state transition.
type StateChange struct {
	Before State
	After  State
	Cause  string
}

// Device is the control surface a Handler may use from its callbacks.
type Device interface {
	// TimerRunAfter schedules one OnTimer call after d, replacing any pending
	// one. Handlers re-arm it to get a periodic timer.
	TimerRunAfter(d time.Duration)
	State() State
}

// Handler receives device events.
type Handler interface {
	// OnLinkReady is called once the device can receive. The result is the
	// number of bytes the handler expects per receive event.
	OnLinkReady(dev Device) int
	// OnRecv delivers newly received bytes. Unconsumed bytes stay in q.
	OnRecv(dev Device, q *RecvQueue) int
	// OnTimer fires after a TimerRunAfter request.
	OnTimer(dev Device, now time.Time)
	// OnStateChanged reports every state transition.
	OnStateChanged(dev Device, e StateChange)
}
