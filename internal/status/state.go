// Package status tracks the relay's connectivity to the polled source as
// a small state machine driven by sync cycle outcomes.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/handybridge/relayd/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	// Booting is the initial state before the first poll cycle.
	Booting State = "BOOTING"
	// Connected means the last poll cycle reached the source.
	Connected State = "CONNECTED"
	// Degraded means recent cycles failed but polling continues.
	Degraded State = "DEGRADED"
	// Error means the daemon hit a non-recoverable fault.
	Error State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:   {Connected, Degraded, Error},
	Connected: {Degraded, Error},
	Degraded:  {Connected, Error},
	Error:     {Booting},
}

// Machine tracks and enforces connectivity state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	lastError string
	bus       *bus.Bus
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

// LastError returns the failure detail recorded with the latest
// transition into Degraded or Error, "" otherwise.
func (m *Machine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// A transition to the current state is a no-op that refreshes the detail.
func (m *Machine) Transition(to State, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		m.setDetailLocked(to, detail)
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.setDetailLocked(to, detail)
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From:   from,
				To:     to,
				Detail: detail,
			},
		})
	}
	return nil
}

func (m *Machine) setDetailLocked(to State, detail string) {
	switch to {
	case Degraded, Error:
		m.lastError = detail
	default:
		m.lastError = ""
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Detail string
}
