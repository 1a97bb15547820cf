package statemachine

import "fmt"

// Builder assembles a Definition.
type Builder struct {
	initial     State
	transitions []Transition
	terminal    []State
}

// TransitionOption customizes a transition added with Permit.
type TransitionOption func(*Transition)

func WithGuard(g Guard) TransitionOption {
	return func(t *Transition) { t.Guard = g }
}

func WithAction(a Action) TransitionOption {
	return func(t *Transition) { t.Action = a }
}

func NewBuilder(initial State) *Builder {
	return &Builder{initial: initial}
}

// Permit allows ev to move the machine from one state to another.
func (b *Builder) Permit(from State, ev Event, to State, opts ...TransitionOption) *Builder {
	t := Transition{From: from, To: to, Event: ev}
	for _, opt := range opts {
		opt(&t)
	}
	b.transitions = append(b.transitions, t)
	return b
}

// Terminal marks states that accept no further events.
func (b *Builder) Terminal(states ...State) *Builder {
	b.terminal = append(b.terminal, states...)
	return b
}

// Build validates and freezes the definition.
func (b *Builder) Build() (*Definition, error) {
	if b.initial == "" {
		return nil, fmt.Errorf("%w: initial state is empty", ErrInvalidDefinition)
	}

	d := &Definition{
		initial:     b.initial,
		transitions: make(map[State]map[Event][]Transition),
		terminal:    make(map[State]bool, len(b.terminal)),
	}
	for _, s := range b.terminal {
		d.terminal[s] = true
	}
	for _, t := range b.transitions {
		if t.From == "" || t.To == "" || t.Event == "" {
			return nil, fmt.Errorf("%w: transition with empty state or event", ErrInvalidDefinition)
		}
		if d.terminal[t.From] {
			return nil, fmt.Errorf("%w: terminal state %s has outgoing transition", ErrInvalidDefinition, t.From)
		}
		if d.transitions[t.From] == nil {
			d.transitions[t.From] = make(map[Event][]Transition)
		}
		d.transitions[t.From][t.Event] = append(d.transitions[t.From][t.Event], t)
	}
	return d, nil
}

// MustBuild is Build that panics on an invalid definition.
func (b *Builder) MustBuild() *Definition {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
