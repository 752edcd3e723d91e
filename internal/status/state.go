// Package status tracks the daemon's runtime state.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/wpp-relay/internal/bus"
)

// StatusChanged is the bus event kind published on every transition.
const StatusChanged = "daemon:status"

// State represents a daemon runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Ready    State = "READY"
	Draining State = "DRAINING"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions. Draining is terminal.
var validTransitions = map[State][]State{
	Booting: {Ready, Error, Draining},
	Ready:   {Draining, Error},
	Error:   {Booting, Draining},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	bus       *bus.Bus
	listeners []func(State)
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Ready reports whether the daemon serves traffic, with the current state as
// the reason.
func (m *Machine) Ready() (bool, string) {
	s := m.Current()
	return s == Ready, string(s)
}

// OnChange registers fn to be called with the new state after each
// transition. fn runs with the machine locked and must not call Transition.
func (m *Machine) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
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
	for _, fn := range m.listeners {
		fn(to)
	}
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(StatusChanged, "", StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
