// Package statemachine provides a finite state machine split into an
// immutable Definition, built once and shared, and per-run Machines that
// hold the current state of a single run.
package statemachine

import (
	"context"
	"fmt"
	"slices"
)

type State string

type Event string

// Guard must return true for its transition to be taken.
type Guard func(ctx context.Context, data any) bool

// Action runs before the state changes. An error aborts the transition.
type Action func(ctx context.Context, from, to State, data any) error

type Transition struct {
	From   State
	To     State
	Event  Event
	Guard  Guard
	Action Action
}

// Definition is a validated transition table. It is safe for concurrent use.
type Definition struct {
	initial     State
	transitions map[State]map[Event][]Transition
	terminal    map[State]bool
}

// Initial returns the state every Machine starts in.
func (d *Definition) Initial() State {
	return d.initial
}

// IsTerminal reports whether s has been declared terminal.
func (d *Definition) IsTerminal(s State) bool {
	return d.terminal[s]
}

// Start returns a new Machine in the initial state.
func (d *Definition) Start() *Machine {
	return &Machine{def: d, current: d.initial, history: []State{d.initial}}
}

// Machine is one run over a Definition. It is not safe for concurrent use.
type Machine struct {
	def     *Definition
	current State
	history []State
}

func (m *Machine) Current() State {
	return m.current
}

// History returns the states visited so far, initial state first.
func (m *Machine) History() []State {
	return slices.Clone(m.history)
}

// Done reports whether the machine reached a terminal state.
func (m *Machine) Done() bool {
	return m.def.terminal[m.current]
}

// Fire takes the first transition for ev whose guard passes.
func (m *Machine) Fire(ctx context.Context, ev Event, data any) error {
	t, err := m.find(ctx, ev, data)
	if err != nil {
		return err
	}
	if t.Action != nil {
		if err := t.Action(ctx, m.current, t.To, data); err != nil {
			return fmt.Errorf("action %s -> %s failed: %w", m.current, t.To, err)
		}
	}
	m.current = t.To
	m.history = append(m.history, t.To)
	return nil
}

// CanFire reports whether Fire would find a transition for ev.
func (m *Machine) CanFire(ctx context.Context, ev Event, data any) bool {
	_, err := m.find(ctx, ev, data)
	return err == nil
}

func (m *Machine) find(ctx context.Context, ev Event, data any) (Transition, error) {
	if m.Done() {
		return Transition{}, &NoTransitionError{State: m.current, Event: ev}
	}
	candidates := m.def.transitions[m.current][ev]
	if len(candidates) == 0 {
		return Transition{}, &NoTransitionError{State: m.current, Event: ev}
	}
	for _, t := range candidates {
		if t.Guard == nil || t.Guard(ctx, data) {
			return t, nil
		}
	}
	return Transition{}, &RejectedError{State: m.current, Event: ev}
}
