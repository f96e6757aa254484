package statemodel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/pkg/model"
)

func TestBuiltinDefsValidate(t *testing.T) {
	for _, def := range BuiltinDefs() {
		assert.NoError(t, def.Validate(), def.Name())
	}
}

func TestMasterSlaveShape(t *testing.T) {
	def := MasterSlaveDef()

	assert.Equal(t, "MASTER", def.TopState())
	assert.Equal(t, StateOffline, def.InitialState())
	assert.True(t, def.HasState("SLAVE"))
	assert.False(t, def.HasState("STANDBY"))
	assert.True(t, def.IsValidTransition("SLAVE", "MASTER"))
	assert.False(t, def.IsValidTransition("MASTER", StateOffline))
}

func TestUpperBound(t *testing.T) {
	def := MasterSlaveDef()

	tests := []struct {
		name     string
		state    string
		replicas int
		live     int
		expected int
	}{
		{name: "fixed count", state: "MASTER", replicas: 3, live: 5, expected: 1},
		{name: "replica count", state: "SLAVE", replicas: 3, live: 5, expected: 3},
		{name: "unbounded", state: StateOffline, replicas: 3, live: 5, expected: -1},
		{name: "unknown state", state: "BOGUS", replicas: 3, live: 5, expected: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, def.UpperBound(tt.state, tt.replicas, tt.live))
		})
	}
}

func TestUpperBoundLiveInstances(t *testing.T) {
	def, err := NewBuilder("test").
		AddState("ONLINE", CountLiveInstances).
		AddState(StateOffline, CountUnbounded).
		InitialState(StateOffline).
		AddTransition(StateOffline, "ONLINE").
		Build()
	require.NoError(t, err)
	assert.Equal(t, 4, def.UpperBound("ONLINE", 2, 4))
}

func TestNextState(t *testing.T) {
	def := MasterSlaveDef()

	tests := []struct {
		name     string
		current  string
		target   string
		expected string
	}{
		{name: "direct edge", current: "SLAVE", target: "MASTER", expected: "MASTER"},
		{name: "two hops up", current: StateOffline, target: "MASTER", expected: "SLAVE"},
		{name: "two hops down", current: "MASTER", target: StateOffline, expected: "SLAVE"},
		{name: "error recovery", current: StateError, target: "SLAVE", expected: StateOffline},
		{name: "drop chain", current: "SLAVE", target: StateDropped, expected: StateOffline},
		{name: "already there", current: "MASTER", target: "MASTER", expected: ""},
		{name: "unreachable", current: StateDropped, target: "MASTER", expected: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, def.NextState(tt.current, tt.target))
		})
	}
}

func TestTransitionPriority(t *testing.T) {
	def := MasterSlaveDef()

	// SLAVE->MASTER is registered ahead of OFFLINE->SLAVE, so promotions
	// toward the top state claim budget first.
	assert.Less(t, def.TransitionPriority("SLAVE", "MASTER"), def.TransitionPriority(StateOffline, "SLAVE"))
	// Unknown edges rank behind every registered one.
	unknown := def.TransitionPriority("MASTER", StateDropped)
	assert.Greater(t, unknown, def.TransitionPriority(StateOffline, StateDropped))
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Def, error)
	}{
		{
			name: "duplicate state",
			build: func() (*Def, error) {
				return NewBuilder("m").AddState("A", "1").AddState("A", "1").
					InitialState("A").Build()
			},
		},
		{
			name: "duplicate transition",
			build: func() (*Def, error) {
				return NewBuilder("m").AddState("A", "1").AddState("B", "1").
					InitialState("A").AddTransition("A", "B").AddTransition("A", "B").Build()
			},
		},
		{
			name: "initial state missing",
			build: func() (*Def, error) {
				return NewBuilder("m").AddState("A", "1").InitialState("Z").Build()
			},
		},
		{
			name: "transition references unknown state",
			build: func() (*Def, error) {
				return NewBuilder("m").AddState("A", "1").InitialState("A").
					AddTransition("A", "Z").Build()
			},
		},
		{
			name: "no states",
			build: func() (*Def, error) {
				return NewBuilder("m").Build()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := tt.build()
			assert.Error(t, err)
			assert.Nil(t, def)
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	original := LeaderStandbyDef()

	parsed, err := FromRecord(original.ToRecord())
	require.NoError(t, err)

	assert.Equal(t, original.Name(), parsed.Name())
	assert.Equal(t, original.InitialState(), parsed.InitialState())
	assert.Equal(t, original.StatesPriorityList(), parsed.StatesPriorityList())
	assert.True(t, parsed.IsValidTransition("STANDBY", "LEADER"))
	assert.Equal(t, original.TransitionPriority("STANDBY", "LEADER"),
		parsed.TransitionPriority("STANDBY", "LEADER"))
	assert.Equal(t, 1, parsed.UpperBound("LEADER", 3, 3))
}

func TestFromRecordRejectsMalformedEdge(t *testing.T) {
	rec := MasterSlaveDef().ToRecord()
	rec.ListFields["STATE_TRANSITION_PRIORITYLIST"] = []string{"MASTER"}

	_, err := FromRecord(rec)
	assert.Error(t, err)
}

func TestStateModelHandlerLookup(t *testing.T) {
	sm := NewStateModel().
		AddTransition(StateOffline, "SLAVE", func(ctx context.Context, msg *model.Message) (string, error) {
			return "ok", nil
		})

	fn, err := sm.Handler(StateOffline, "SLAVE")
	require.NoError(t, err)
	require.NotNil(t, fn)

	_, err = sm.Handler("SLAVE", "MASTER")
	assert.Error(t, err)
}

func TestStateModelCancelReportsHook(t *testing.T) {
	sm := NewStateModel()
	assert.False(t, sm.Cancel())

	fired := false
	sm.OnCancel(func() { fired = true })
	assert.True(t, sm.Cancel())
	assert.True(t, fired)
}
