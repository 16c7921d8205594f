// Package transponder makes a remote session look like a physical AIS unit to
// local equipment: the Supervisor keeps the backbone session alive and the
// Bridge speaks NMEA over TCP.
package transponder

import (
	"sync/atomic"

	"github.com/cynsky/AisVirtualNet/ais"
)

// State is the session state.
type State string

const (
	Disconnected   State = "DISCONNECTED"
	Authenticating State = "AUTHENTICATING"
	Reserving      State = "RESERVING"
	Connecting     State = "CONNECTING"
	Connected      State = "CONNECTED"
)

// Status is an immutable snapshot of the transponder.
type Status struct {
	State           State         `json:"state"`
	Connected       bool          `json:"connected"`
	ClientConnected bool          `json:"clientConnected"`
	LastError       string        `json:"lastError,omitempty"`
	OwnMMSI         uint32        `json:"ownMmsi"`
	OwnName         *string       `json:"ownName,omitempty"`
	OwnPosition     *ais.Position `json:"ownPosition,omitempty"`
}

// StatusTracker publishes Status copy-on-write. Readers never block writers.
type StatusTracker struct {
	current atomic.Pointer[Status]
}

// NewStatusTracker starts DISCONNECTED for own.
func NewStatusTracker(own uint32) *StatusTracker {
	t := &StatusTracker{}
	t.current.Store(&Status{State: Disconnected, OwnMMSI: own})
	return t
}

// Snapshot returns the current status.
func (t *StatusTracker) Snapshot() Status {
	return *t.current.Load()
}

// Update applies fn to a copy and publishes it.
func (t *StatusTracker) Update(fn func(*Status)) {
	for {
		old := t.current.Load()
		next := *old
		fn(&next)
		if t.current.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (t *StatusTracker) setState(s State, lastErr error) {
	t.Update(func(st *Status) {
		st.State = s
		st.Connected = s == Connected
		switch {
		case s == Connected:
			st.LastError = ""
		case lastErr != nil:
			st.LastError = lastErr.Error()
		}
	})
}

func (t *StatusTracker) ownPosition() *ais.Position {
	return t.current.Load().OwnPosition
}
