package statemodel

// Built-in state model names registered at cluster setup.
const (
	MasterSlave   = "MasterSlave"
	OnlineOffline = "OnlineOffline"
	LeaderStandby = "LeaderStandby"
)

// MasterSlaveDef builds the MasterSlave model: one MASTER, R-1 SLAVEs,
// replicas promoted SLAVE->MASTER and recovered via ERROR->OFFLINE.
func MasterSlaveDef() *Def {
	def, err := NewBuilder(MasterSlave).
		AddState("MASTER", "1").
		AddState("SLAVE", CountReplicas).
		AddState(StateOffline, CountUnbounded).
		AddState(StateError, CountUnbounded).
		AddState(StateDropped, CountUnbounded).
		InitialState(StateOffline).
		AddTransition("MASTER", "SLAVE").
		AddTransition("SLAVE", "MASTER").
		AddTransition(StateOffline, "SLAVE").
		AddTransition("SLAVE", StateOffline).
		AddTransition(StateError, StateOffline).
		AddTransition(StateOffline, StateDropped).
		Build()
	if err != nil {
		panic(err) // builtin definitions are fixed at compile time
	}
	return def
}

// OnlineOfflineDef builds the OnlineOffline model.
func OnlineOfflineDef() *Def {
	def, err := NewBuilder(OnlineOffline).
		AddState("ONLINE", CountReplicas).
		AddState(StateOffline, CountUnbounded).
		AddState(StateError, CountUnbounded).
		AddState(StateDropped, CountUnbounded).
		InitialState(StateOffline).
		AddTransition(StateOffline, "ONLINE").
		AddTransition("ONLINE", StateOffline).
		AddTransition(StateError, StateOffline).
		AddTransition(StateOffline, StateDropped).
		Build()
	if err != nil {
		panic(err)
	}
	return def
}

// LeaderStandbyDef builds the LeaderStandby model: one LEADER, the rest
// STANDBY.
func LeaderStandbyDef() *Def {
	def, err := NewBuilder(LeaderStandby).
		AddState("LEADER", "1").
		AddState("STANDBY", CountReplicas).
		AddState(StateOffline, CountUnbounded).
		AddState(StateError, CountUnbounded).
		AddState(StateDropped, CountUnbounded).
		InitialState(StateOffline).
		AddTransition("LEADER", "STANDBY").
		AddTransition("STANDBY", "LEADER").
		AddTransition(StateOffline, "STANDBY").
		AddTransition("STANDBY", StateOffline).
		AddTransition(StateError, StateOffline).
		AddTransition(StateOffline, StateDropped).
		Build()
	if err != nil {
		panic(err)
	}
	return def
}

// BuiltinDefs returns all built-in definitions.
func BuiltinDefs() []*Def {
	return []*Def{MasterSlaveDef(), OnlineOfflineDef(), LeaderStandbyDef()}
}
