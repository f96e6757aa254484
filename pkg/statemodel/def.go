package statemodel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/helmsman-io/helmsman/pkg/model"
)

// Well-known states. User-defined models may use any state names; these
// are the ones with built-in meaning to the controller.
const (
	StateError   = "ERROR"
	StateDropped = "DROPPED"
	StateOffline = "OFFLINE"
)

// Count tokens for per-state upper bounds.
const (
	// CountReplicas bounds the state by the resource's replica count.
	CountReplicas = "R"
	// CountLiveInstances bounds the state by the number of live instances.
	CountLiveInstances = "N"
	// CountUnbounded places no bound on the state.
	CountUnbounded = "-1"
)

// Record field names for the persisted definition.
const (
	fieldInitialState       = "INITIAL_STATE"
	fieldStatePriorityList  = "STATE_PRIORITY_LIST"
	fieldTransitionPriority = "STATE_TRANSITION_PRIORITYLIST"
	fieldStateCounts        = "STATE_COUNTS"
)

// Transition is one edge of a state model.
type Transition struct {
	From string
	To   string
}

func (t Transition) String() string { return t.From + "-" + t.To }

func parseTransition(s string) (Transition, error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return Transition{}, fmt.Errorf("malformed transition %q", s)
	}
	return Transition{From: s[:idx], To: s[idx+1:]}, nil
}

// Def is a finite-state machine over replica states: an ordered priority
// list of states, per-state upper bounds, and a transition table with
// priorities. Defs are immutable after registration.
type Def struct {
	name           string
	statesPriority []string
	initialState   string
	counts         map[string]string
	transitions    map[Transition]struct{}
	// transitionPriority orders edges, most urgent first.
	transitionPriority []Transition
}

// Name returns the state model name.
func (d *Def) Name() string { return d.name }

// InitialState returns the state new replicas start in.
func (d *Def) InitialState() string { return d.initialState }

// StatesPriorityList returns states ordered from top state down.
func (d *Def) StatesPriorityList() []string {
	return append([]string(nil), d.statesPriority...)
}

// TopState returns the highest-priority state.
func (d *Def) TopState() string { return d.statesPriority[0] }

// HasState reports whether the state belongs to the model.
func (d *Def) HasState(state string) bool {
	_, ok := d.counts[state]
	return ok
}

// IsValidTransition reports whether (from, to) is an edge of the model.
func (d *Def) IsValidTransition(from, to string) bool {
	_, ok := d.transitions[Transition{From: from, To: to}]
	return ok
}

// TransitionPriority returns the rank of the edge among the model's
// prioritized transitions; lower ranks are more urgent. Unknown edges
// rank last.
func (d *Def) TransitionPriority(from, to string) int {
	for i, t := range d.transitionPriority {
		if t.From == from && t.To == to {
			return i
		}
	}
	return len(d.transitionPriority)
}

// UpperBound resolves the per-state count against the resource's replica
// count and the number of live instances. -1 means unbounded.
func (d *Def) UpperBound(state string, replicas, liveInstances int) int {
	count, ok := d.counts[state]
	if !ok {
		return 0
	}
	switch count {
	case CountReplicas:
		return replicas
	case CountLiveInstances:
		return liveInstances
	case CountUnbounded, "":
		return -1
	default:
		n, err := strconv.Atoi(count)
		if err != nil {
			return 0
		}
		return n
	}
}

// NextState returns the first hop on the shortest transition path from
// current toward target, or "" if target is unreachable.
func (d *Def) NextState(current, target string) string {
	if current == target {
		return ""
	}
	if d.IsValidTransition(current, target) {
		return target
	}
	// BFS over the transition table.
	type hop struct {
		state string
		first string
	}
	visited := map[string]bool{current: true}
	queue := make([]hop, 0, len(d.statesPriority))
	for _, s := range d.statesPriority {
		if d.IsValidTransition(current, s) && !visited[s] {
			visited[s] = true
			queue = append(queue, hop{state: s, first: s})
		}
	}
	// ERROR and DROPPED are states but rarely in the priority list walk;
	// include every known state as a candidate neighbor.
	neighbors := func(from string) []string {
		var out []string
		for t := range d.transitions {
			if t.From == from {
				out = append(out, t.To)
			}
		}
		return out
	}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h.state == target {
			return h.first
		}
		for _, n := range neighbors(h.state) {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, hop{state: n, first: h.first})
			}
		}
	}
	return ""
}

// Validate checks internal consistency of the definition.
func (d *Def) Validate() error {
	if d.name == "" {
		return fmt.Errorf("state model has no name")
	}
	if len(d.statesPriority) == 0 {
		return fmt.Errorf("state model %s has no states", d.name)
	}
	if !d.HasState(d.initialState) {
		return fmt.Errorf("state model %s: initial state %s is not a state", d.name, d.initialState)
	}
	for t := range d.transitions {
		if !d.HasState(t.From) || !d.HasState(t.To) {
			return fmt.Errorf("state model %s: transition %s references unknown state", d.name, t)
		}
	}
	return nil
}

// ToRecord serializes the definition for registration in the store.
func (d *Def) ToRecord() *model.Record {
	rec := model.NewRecord(d.name)
	rec.SetSimpleField(fieldInitialState, d.initialState)
	rec.SetListField(fieldStatePriorityList, d.StatesPriorityList())
	edges := make([]string, 0, len(d.transitionPriority))
	for _, t := range d.transitionPriority {
		edges = append(edges, t.String())
	}
	rec.SetListField(fieldTransitionPriority, edges)
	counts := make(map[string]string, len(d.counts))
	for s, c := range d.counts {
		counts[s] = c
	}
	rec.SetMapField(fieldStateCounts, counts)
	return rec
}

// FromRecord deserializes a registered definition.
func FromRecord(rec *model.Record) (*Def, error) {
	d := &Def{
		name:           rec.ID,
		statesPriority: append([]string(nil), rec.GetListField(fieldStatePriorityList)...),
		initialState:   rec.GetSimpleField(fieldInitialState),
		counts:         make(map[string]string),
		transitions:    make(map[Transition]struct{}),
	}
	for s, c := range rec.GetMapField(fieldStateCounts) {
		d.counts[s] = c
	}
	for _, e := range rec.GetListField(fieldTransitionPriority) {
		t, err := parseTransition(e)
		if err != nil {
			return nil, fmt.Errorf("state model %s: %w", rec.ID, err)
		}
		d.transitions[t] = struct{}{}
		d.transitionPriority = append(d.transitionPriority, t)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Builder assembles a Def. States are added top state first; transitions
// are added most urgent first.
type Builder struct {
	def *Def
	err error
}

// NewBuilder starts a definition with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{def: &Def{
		name:        name,
		counts:      make(map[string]string),
		transitions: make(map[Transition]struct{}),
	}}
}

// AddState appends a state with its upper-bound count token.
func (b *Builder) AddState(state, count string) *Builder {
	if b.err != nil {
		return b
	}
	if b.def.HasState(state) {
		b.err = fmt.Errorf("state model %s: duplicate state %s", b.def.name, state)
		return b
	}
	b.def.statesPriority = append(b.def.statesPriority, state)
	b.def.counts[state] = count
	return b
}

// InitialState sets the state new replicas start in.
func (b *Builder) InitialState(state string) *Builder {
	if b.err == nil {
		b.def.initialState = state
	}
	return b
}

// AddTransition appends an edge in priority order.
func (b *Builder) AddTransition(from, to string) *Builder {
	if b.err != nil {
		return b
	}
	t := Transition{From: from, To: to}
	if _, ok := b.def.transitions[t]; ok {
		b.err = fmt.Errorf("state model %s: duplicate transition %s", b.def.name, t)
		return b
	}
	b.def.transitions[t] = struct{}{}
	b.def.transitionPriority = append(b.def.transitionPriority, t)
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (*Def, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def, nil
}
