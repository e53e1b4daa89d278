package status

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/formachat/internal/bus"
)

// State is the push channel connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Disconnected is
// reachable from everywhere: retries exhausted, auth failure, or Close.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CompareAndTransition moves to the new state only if the machine is in one of
// the given states. It reports whether the transition happened.
func (m *Machine) CompareAndTransition(to State, from ...State) bool {
	m.mu.Lock()
	cur := m.current
	if !slices.Contains(from, cur) || !slices.Contains(validTransitions[cur], to) {
		m.mu.Unlock()
		return false
	}
	m.current = to
	m.mu.Unlock()

	m.publish(cur, to)
	return true
}

func (m *Machine) publish(from, to State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindLiveState,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
