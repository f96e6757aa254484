package pipeline

import (
	"fmt"
	"sort"

	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
	"github.com/helmsman-io/helmsman/pkg/model"
)

// MessageGenerationStage turns the intermediate step into concrete
// state-transition messages: one per (instance, partition) whose admitted
// next state differs from current and has no outstanding message.
type MessageGenerationStage struct{}

func (MessageGenerationStage) Name() string { return "MessageGeneration" }

func (MessageGenerationStage) Process(rc *RunContext) error {
	snap := rc.Snapshot

	resources := make([]string, 0, len(rc.Intermediate))
	for name := range rc.Intermediate {
		resources = append(resources, name)
	}
	sort.Strings(resources)

	for _, name := range resources {
		res := rc.Resources[name]
		partitions := make([]string, 0, len(rc.Intermediate[name]))
		for p := range rc.Intermediate[name] {
			partitions = append(partitions, p)
		}
		sort.Strings(partitions)

		for _, partition := range partitions {
			states := rc.Intermediate[name][partition]
			instances := make([]string, 0, len(states))
			for inst := range states {
				instances = append(instances, inst)
			}
			sort.Strings(instances)

			for _, inst := range instances {
				next := states[inst]
				cur := rc.CurrentState.State(name, partition, inst)
				if next == cur {
					continue
				}
				if rc.CurrentState.PendingMessage(name, partition, inst) != nil {
					continue
				}
				session := snap.Session(inst)
				if session == "" {
					continue
				}
				from := cur
				if from == "" {
					from = res.Def.InitialState()
				}
				// Everything upstream derives steps from the transition
				// table, so a non-edge here is a controller bug. Abort
				// before anything is dispatched.
				if !res.Def.IsValidTransition(from, next) {
					return fmt.Errorf("%w: %s/%s on %s: %s->%s",
						ErrStateModelViolation, name, partition, inst, from, next)
				}

				msg := model.NewMessage(model.MessageStateTransition)
				msg.SetSrcName(rc.Controller)
				msg.SetTgtName(inst)
				msg.SetTgtSessionID(session)
				msg.SetResourceName(name)
				msg.SetPartitionName(partition)
				msg.SetStateModelDef(res.Def.Name())
				msg.SetFromState(from)
				msg.SetToState(next)
				rc.Messages = append(rc.Messages, msg)
			}
		}
	}
	return nil
}

// MessageDispatchStage writes the run's messages to per-participant
// queues. For each transition the in-flight intent goes to the replica's
// REQUESTED_STATE first, so a controller crash between the two writes
// leaves a discoverable marker instead of a silent gap. Store conflicts
// abandon the remainder; the next run recomputes from scratch.
type MessageDispatchStage struct{}

func (MessageDispatchStage) Name() string { return "MessageDispatch" }

func (MessageDispatchStage) Process(rc *RunContext) error {
	snap := rc.Snapshot
	logger := log.WithCluster(snap.Cluster)
	acc := rc.Accessor

	var paths []string
	var recs []*model.Record
	var queued []*model.Message

	for _, msg := range rc.Messages {
		inst, resource, partition := msg.TgtName(), msg.ResourceName(), msg.PartitionName()
		session := msg.TgtSessionID()
		csPath := acc.Keys().CurrentState(inst, session, resource)
		err := acc.Update(csPath, func(rec *model.Record) *model.Record {
			if rec == nil {
				rec = model.NewCurrentState(resource, session, msg.StateModelDef()).Record
			}
			cs := model.CurrentStateFromRecord(rec)
			cs.SetRequestedState(partition, msg.ToState())
			return rec
		})
		if err != nil {
			logger.Warn().Err(err).Str("instance", inst).Str("resource", resource).
				Str("partition", partition).Msg("requested-state write failed, abandoning dispatch")
			break
		}
		paths = append(paths, acc.Keys().Message(inst, msg.MsgID()))
		recs = append(recs, msg.Record)
		queued = append(queued, msg)
	}

	for _, msg := range rc.Cancellations {
		inst, resource, partition := msg.TgtName(), msg.ResourceName(), msg.PartitionName()
		csPath := acc.Keys().CurrentState(inst, msg.TgtSessionID(), resource)
		// The superseded intent is withdrawn here; the participant only
		// clears markers for transitions it completes.
		err := acc.Update(csPath, func(rec *model.Record) *model.Record {
			if rec == nil {
				return nil
			}
			cs := model.CurrentStateFromRecord(rec)
			cs.ClearRequestedState(partition)
			return rec
		})
		if err != nil {
			logger.Warn().Err(err).Str("instance", inst).Str("resource", resource).
				Str("partition", partition).Msg("requested-state clear failed, skipping cancellation")
			continue
		}
		paths = append(paths, acc.Keys().Message(inst, msg.MsgID()))
		recs = append(recs, msg.Record)
		queued = append(queued, msg)
	}

	if len(paths) == 0 {
		return nil
	}

	result := acc.CreateBatch(rc.Ctx, paths, recs)
	for i, err := range result.Errors {
		msg := queued[i]
		if err != nil {
			logger.Warn().Err(err).Str("msg_id", msg.MsgID()).
				Str("instance", msg.TgtName()).Msg("message create failed")
			if msg.Type() == model.MessageStateTransition {
				rollbackRequestedState(rc, msg)
			}
			continue
		}
		metrics.MessagesDispatched.WithLabelValues(snap.Cluster, string(msg.Type())).Inc()
		logger.Debug().Str("msg_id", msg.MsgID()).Str("instance", msg.TgtName()).
			Str("resource", msg.ResourceName()).Str("partition", msg.PartitionName()).
			Str("from", msg.FromState()).Str("to", msg.ToState()).
			Str("type", string(msg.Type())).Msg("message dispatched")
	}
	return nil
}

// rollbackRequestedState best-effort clears the intent marker of a
// message that never made it to the queue, keeping marker and message in
// step.
func rollbackRequestedState(rc *RunContext, msg *model.Message) {
	csPath := rc.Accessor.Keys().CurrentState(msg.TgtName(), msg.TgtSessionID(), msg.ResourceName())
	_ = rc.Accessor.Update(csPath, func(rec *model.Record) *model.Record {
		if rec == nil {
			return nil
		}
		cs := model.CurrentStateFromRecord(rec)
		if cs.RequestedState(msg.PartitionName()) != msg.ToState() {
			return nil
		}
		cs.ClearRequestedState(msg.PartitionName())
		return rec
	})
}
