package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/farmchat/internal/bus"
)

// State is the lifecycle state of a push channel.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

// validTransitions defines allowed state transitions. Error is left only by
// closing the channel; recovering from it takes a new channel.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Error},
	Connected:    {Disconnected, Error},
	Error:        {Disconnected},
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	scope   string
	bus     *bus.Bus
}

// NewMachine creates a machine in Disconnected state. scope names the
// conversation the channel serves and is carried on every event.
func NewMachine(b *bus.Bus, scope string) *Machine {
	return &Machine{
		current: Disconnected,
		scope:   scope,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns the human-readable cause of the Error state, or "".
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition moves to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) (Change, error) {
	return m.transition(to, "")
}

// Fail moves to Error with the given reason.
func (m *Machine) Fail(reason string) (Change, error) {
	return m.transition(Error, reason)
}

func (m *Machine) transition(to State, reason string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return Change{}, fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	change := Change{
		Scope:  m.scope,
		From:   m.current,
		To:     to,
		Reason: reason,
	}
	m.current = to
	m.reason = reason
	m.bus.Emit(bus.KindChannelState, change)
	return change, nil
}

// Change is the payload for state change events.
type Change struct {
	Scope  string `json:"scope"`
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}
