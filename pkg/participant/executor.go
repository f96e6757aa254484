package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

// executor routes inbound messages and runs state transitions against
// the registered handler instances.
type executor struct {
	p *Participant

	mu           sync.Mutex
	taken        map[string]struct{}
	models       map[taskKey]*statemodel.StateModel
	inflight     map[string]*runningTask
	preCancelled map[string]struct{}
}

// runningTask is a transition currently executing a handler. cancelled
// is set when a cancellation message interrupted it.
type runningTask struct {
	cancel    context.CancelFunc
	sm        *statemodel.StateModel
	cancelled bool
}

type result struct {
	info string
	err  error
}

func newExecutor(p *Participant) *executor {
	return &executor{
		p:            p,
		taken:        make(map[string]struct{}),
		models:       make(map[taskKey]*statemodel.StateModel),
		inflight:     make(map[string]*runningTask),
		preCancelled: make(map[string]struct{}),
	}
}

// reset drops all cached handler instances, invoking their reset hooks.
func (e *executor) reset() {
	e.mu.Lock()
	models := e.models
	e.models = make(map[taskKey]*statemodel.StateModel)
	e.mu.Unlock()
	for _, sm := range models {
		sm.Reset()
	}
}

// route claims the message and hands it to the right path. Repeated
// queue scans of a claimed message are no-ops.
func (e *executor) route(msg *model.Message) {
	e.mu.Lock()
	if _, dup := e.taken[msg.MsgID()]; dup {
		e.mu.Unlock()
		return
	}
	e.taken[msg.MsgID()] = struct{}{}
	e.mu.Unlock()

	logger := log.WithInstance(e.p.cfg.Instance)

	if msg.TgtSessionID() != e.p.conn.SessionID() {
		logger.Warn().Str("msg_id", msg.MsgID()).Msg("message for dead session, deleting")
		e.deleteMessage(msg)
		return
	}

	switch msg.Type() {
	case model.MessageStateTransition:
		key := taskKey{resource: msg.ResourceName(), partition: msg.PartitionName()}
		e.p.dispatch.Submit(key, func() { e.runTransition(key, msg) })
	case model.MessageCancellation:
		e.handleCancellation(msg)
	case model.MessageNoOp:
		e.deleteMessage(msg)
	case model.MessageShutdown:
		logger.Info().Str("msg_id", msg.MsgID()).Msg("shutdown message received")
		e.deleteMessage(msg)
		e.p.doneOnce.Do(func() { close(e.p.doneCh) })
	default:
		logger.Warn().Str("msg_id", msg.MsgID()).Str("type", string(msg.Type())).
			Msg("unsupported message type, deleting")
		e.deleteMessage(msg)
	}
}

func (e *executor) runTransition(key taskKey, msg *model.Message) {
	p := e.p
	session := p.conn.SessionID()
	logger := log.WithInstance(p.cfg.Instance).With().
		Str("resource", key.resource).Str("partition", key.partition).
		Str("msg_id", msg.MsgID()).Logger()

	cs, err := p.accessor.CurrentState(p.cfg.Instance, session, key.resource)
	if err != nil {
		logger.Warn().Err(err).Msg("reading current state failed, leaving message queued")
		e.unclaim(msg)
		return
	}
	cur := ""
	if cs != nil {
		cur = cs.State(key.partition)
	}
	from, to := msg.FromState(), msg.ToState()

	if cur != "" && cur != from {
		logger.Warn().Str("current", cur).Str("from", from).
			Msg("stale transition message, deleting without invoking handler")
		e.clearRequested(msg)
		e.deleteMessage(msg)
		metrics.HandlerInvocations.WithLabelValues(key.resource, "stale").Inc()
		return
	}

	e.mu.Lock()
	if _, pre := e.preCancelled[msg.MsgID()]; pre {
		delete(e.preCancelled, msg.MsgID())
		e.mu.Unlock()
		e.clearRequested(msg)
		e.deleteMessage(msg)
		metrics.HandlerInvocations.WithLabelValues(key.resource, "cancelled").Inc()
		return
	}
	e.mu.Unlock()

	sm, err := e.model(key, msg.StateModelDef())
	if err != nil {
		logger.Error().Err(err).Msg("no state model factory registered")
		e.failPartition(key, msg, nil, err)
		return
	}
	handler, err := sm.Handler(from, to)
	if err != nil {
		logger.Error().Err(err).Msg("no handler for transition")
		e.failPartition(key, msg, sm, err)
		return
	}

	e.invoke(key, msg, sm, handler, logger)
}

// invoke runs the handler with timeout and cancellation plumbing, then
// publishes the outcome.
func (e *executor) invoke(key taskKey, msg *model.Message, sm *statemodel.StateModel,
	handler statemodel.TransitionFunc, logger zerolog.Logger) {

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout := msg.Timeout(); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	rt := &runningTask{cancel: cancel, sm: sm}
	e.mu.Lock()
	e.inflight[msg.MsgID()] = rt
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, msg.MsgID())
		e.mu.Unlock()
	}()

	e.markExecuteStart(msg)

	done := make(chan result, 1)
	timer := metrics.NewTimer()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		info, err := handler(ctx, msg)
		done <- result{info: info, err: err}
	}()

	var res result
	timedOut := false
	select {
	case res = <-done:
	case <-ctx.Done():
		if !e.wasCancelled(msg.MsgID()) {
			// Hard deadline; tell the handler and give it the grace period.
			sm.Cancel()
		}
		select {
		case res = <-done:
		case <-time.After(e.p.cfg.GracePeriod):
			timedOut = true
			res = result{err: fmt.Errorf("handler exceeded timeout of %s", msg.Timeout())}
		}
	}
	timer.ObserveDurationVec(metrics.HandlerDuration, key.resource)

	if e.wasCancelled(msg.MsgID()) {
		logger.Info().Msg("transition cancelled")
		e.clearRequested(msg)
		e.deleteMessage(msg)
		metrics.HandlerInvocations.WithLabelValues(key.resource, "cancelled").Inc()
		return
	}

	if res.err != nil {
		outcome := "error"
		if timedOut {
			outcome = "timeout"
		}
		logger.Error().Err(res.err).Str("from", msg.FromState()).Str("to", msg.ToState()).
			Msg("transition failed, marking partition ERROR")
		e.failPartition(key, msg, sm, res.err)
		metrics.HandlerInvocations.WithLabelValues(key.resource, outcome).Inc()
		return
	}

	e.completeTransition(key, msg, sm, res.info)
	logger.Debug().Str("from", msg.FromState()).Str("to", msg.ToState()).
		Msg("transition complete")
	metrics.HandlerInvocations.WithLabelValues(key.resource, "ok").Inc()
}

func (e *executor) wasCancelled(msgID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.inflight[msgID]
	return ok && rt.cancelled
}

// handleCancellation interrupts the referenced transition. With a cancel
// hook the handler is signalled and the replica stays at its from state;
// without one the transition runs to completion and the controller
// reconciles afterwards.
func (e *executor) handleCancellation(msg *model.Message) {
	target := msg.RelayMsgID()
	logger := log.WithInstance(e.p.cfg.Instance).With().Str("msg_id", target).Logger()

	e.mu.Lock()
	rt, running := e.inflight[target]
	e.mu.Unlock()

	if running {
		if rt.sm.Cancel() {
			e.mu.Lock()
			rt.cancelled = true
			e.mu.Unlock()
			rt.cancel()
			logger.Info().Msg("cancellation signalled to running handler")
		} else {
			logger.Info().Msg("no cancel hook, transition runs to completion")
		}
	} else {
		// Not started yet; mark it so the queued task exits without
		// invoking the handler. Completed messages are gone from the queue.
		path := e.p.accessor.Keys().Message(e.p.cfg.Instance, target)
		if exists, err := e.p.conn.Exists(path); err == nil && exists {
			e.mu.Lock()
			e.preCancelled[target] = struct{}{}
			e.mu.Unlock()
			logger.Info().Msg("queued transition marked cancelled")
		}
	}
	e.deleteMessage(msg)
}

// completeTransition writes the new state back and retires the message.
func (e *executor) completeTransition(key taskKey, msg *model.Message, sm *statemodel.StateModel, info string) {
	to := msg.ToState()
	session := e.p.conn.SessionID()
	path := e.p.accessor.Keys().CurrentState(e.p.cfg.Instance, session, key.resource)

	err := e.p.accessor.Update(path, func(rec *model.Record) *model.Record {
		if rec == nil {
			rec = model.NewCurrentState(key.resource, session, msg.StateModelDef()).Record
		}
		cs := model.CurrentStateFromRecord(rec)
		if to == statemodel.StateDropped {
			cs.DropPartition(key.partition)
			return rec
		}
		cs.SetState(key.partition, to)
		if info != "" {
			cs.SetInfo(key.partition, info)
		}
		cs.ClearRequestedState(key.partition)
		return rec
	})
	if err != nil {
		lg := log.WithInstance(e.p.cfg.Instance)
		lg.Error().Err(err).
			Str("resource", key.resource).Str("partition", key.partition).
			Msg("writing current state failed")
	}

	if msg.FromState() == statemodel.StateError {
		sm.Reset()
	}
	if to == statemodel.StateDropped {
		e.disposeModel(key)
	}
	e.deleteMessage(msg)
}

// failPartition marks the replica ERROR and retires the message. The
// controller recovers it later if the model has an ERROR exit edge.
func (e *executor) failPartition(key taskKey, msg *model.Message, sm *statemodel.StateModel, cause error) {
	if sm != nil {
		sm.Error(key.partition, cause)
	}
	session := e.p.conn.SessionID()
	path := e.p.accessor.Keys().CurrentState(e.p.cfg.Instance, session, key.resource)

	err := e.p.accessor.Update(path, func(rec *model.Record) *model.Record {
		if rec == nil {
			rec = model.NewCurrentState(key.resource, session, msg.StateModelDef()).Record
		}
		cs := model.CurrentStateFromRecord(rec)
		cs.SetState(key.partition, statemodel.StateError)
		cs.SetInfo(key.partition, cause.Error())
		cs.ClearRequestedState(key.partition)
		return rec
	})
	if err != nil {
		lg := log.WithInstance(e.p.cfg.Instance)
		lg.Error().Err(err).
			Str("resource", key.resource).Str("partition", key.partition).
			Msg("writing ERROR state failed")
	}
	e.deleteMessage(msg)
}

// model returns the cached handler instance for the replica, creating it
// through the registered factory on first use.
func (e *executor) model(key taskKey, stateModel string) (*statemodel.StateModel, error) {
	e.mu.Lock()
	if sm, ok := e.models[key]; ok {
		e.mu.Unlock()
		return sm, nil
	}
	e.mu.Unlock()

	f, ok := e.p.factory(stateModel)
	if !ok {
		return nil, fmt.Errorf("no factory registered for state model %q", stateModel)
	}
	sm := f.CreateStateModel(key.resource, key.partition)
	if sm == nil {
		return nil, fmt.Errorf("factory for %q returned no handler", stateModel)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.models[key]; ok {
		return existing, nil
	}
	e.models[key] = sm
	return sm, nil
}

func (e *executor) disposeModel(key taskKey) {
	e.mu.Lock()
	sm, ok := e.models[key]
	delete(e.models, key)
	e.mu.Unlock()
	if ok {
		sm.Reset()
	}
}

// clearRequested withdraws the controller's in-flight marker for a
// message that will never execute.
func (e *executor) clearRequested(msg *model.Message) {
	path := e.p.accessor.Keys().CurrentState(e.p.cfg.Instance, e.p.conn.SessionID(), msg.ResourceName())
	_ = e.p.accessor.Update(path, func(rec *model.Record) *model.Record {
		if rec == nil {
			return nil
		}
		model.CurrentStateFromRecord(rec).ClearRequestedState(msg.PartitionName())
		return rec
	})
}

func (e *executor) markExecuteStart(msg *model.Message) {
	path := e.p.accessor.Keys().Message(e.p.cfg.Instance, msg.MsgID())
	_ = e.p.accessor.Update(path, func(rec *model.Record) *model.Record {
		if rec == nil {
			return nil
		}
		model.MessageFromRecord(rec).SetExecuteStartTimestamp(time.Now().UnixMilli())
		return rec
	})
}

func (e *executor) deleteMessage(msg *model.Message) {
	path := e.p.accessor.Keys().Message(e.p.cfg.Instance, msg.MsgID())
	if err := e.p.conn.Delete(path, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
		lg := log.WithInstance(e.p.cfg.Instance)
		lg.Warn().Err(err).
			Str("msg_id", msg.MsgID()).Msg("deleting message failed")
	}
	e.mu.Lock()
	delete(e.taken, msg.MsgID())
	e.mu.Unlock()
}

// unclaim releases a message claim so a later queue scan retries it.
func (e *executor) unclaim(msg *model.Message) {
	e.mu.Lock()
	delete(e.taken, msg.MsgID())
	e.mu.Unlock()
}
