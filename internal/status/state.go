package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/cnectd/internal/bus"
)

// State is the state of a client's live connection to the server.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	AuthFailed   State = "AUTH_FAILED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. AuthFailed only
// leaves to Closed: retrying a rejected credential cannot succeed.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, AuthFailed, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	AuthFailed:   {Closed},
	Closed:       {},
}

// Machine tracks and enforces link state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindLinkStatus,
			Payload: StatusChange{From: from, To: to},
		})
	}
	return nil
}

// Terminal reports whether the machine can no longer reconnect.
func (m *Machine) Terminal() bool {
	s := m.Current()
	return s == AuthFailed || s == Closed
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
