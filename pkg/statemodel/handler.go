package statemodel

import (
	"context"
	"fmt"
	"sync"

	"github.com/helmsman-io/helmsman/pkg/model"
)

// TransitionFunc runs one state transition for a partition. The returned
// info string is written into the participant's current state. The
// context is cancelled on cooperative cancellation or timeout.
type TransitionFunc func(ctx context.Context, msg *model.Message) (info string, err error)

// StateModel is a user-supplied handler instance bound to one (resource,
// partition). Transition functions are registered per (from, to) edge;
// optional hooks observe reset, error, and cancellation.
type StateModel struct {
	mu          sync.RWMutex
	transitions map[Transition]TransitionFunc
	onReset     func()
	onError     func(partition string, err error)
	onCancel    func()
}

// NewStateModel creates an empty handler instance.
func NewStateModel() *StateModel {
	return &StateModel{transitions: make(map[Transition]TransitionFunc)}
}

// AddTransition registers the handler for the (from, to) edge.
func (sm *StateModel) AddTransition(from, to string, fn TransitionFunc) *StateModel {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.transitions[Transition{From: from, To: to}] = fn
	return sm
}

// OnReset registers the reset hook.
func (sm *StateModel) OnReset(fn func()) *StateModel {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onReset = fn
	return sm
}

// OnError registers the error hook.
func (sm *StateModel) OnError(fn func(partition string, err error)) *StateModel {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onError = fn
	return sm
}

// OnCancel registers the cancel hook invoked when a transition in flight
// is superseded by a cancellation message.
func (sm *StateModel) OnCancel(fn func()) *StateModel {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onCancel = fn
	return sm
}

// Handler looks up the transition function for the edge.
func (sm *StateModel) Handler(from, to string) (TransitionFunc, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	fn, ok := sm.transitions[Transition{From: from, To: to}]
	if !ok {
		return nil, fmt.Errorf("no handler registered for transition %s-%s", from, to)
	}
	return fn, nil
}

// Reset invokes the reset hook if registered.
func (sm *StateModel) Reset() {
	sm.mu.RLock()
	fn := sm.onReset
	sm.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Error invokes the error hook if registered.
func (sm *StateModel) Error(partition string, err error) {
	sm.mu.RLock()
	fn := sm.onError
	sm.mu.RUnlock()
	if fn != nil {
		fn(partition, err)
	}
}

// Cancel invokes the cancel hook if registered, reporting whether a hook
// was present.
func (sm *StateModel) Cancel() bool {
	sm.mu.RLock()
	fn := sm.onCancel
	sm.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Factory creates handler instances for partitions of resources governed
// by one state model. The participant caches one instance per (resource,
// partition) until the partition is dropped.
type Factory interface {
	CreateStateModel(resource, partition string) *StateModel
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(resource, partition string) *StateModel

// CreateStateModel calls f.
func (f FactoryFunc) CreateStateModel(resource, partition string) *StateModel {
	return f(resource, partition)
}
