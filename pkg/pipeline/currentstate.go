package pipeline

import (
	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/model"
)

// CurrentStateOutput is the folded per-(resource, partition, instance)
// view of reported states and outstanding messages. Only records scoped
// to each instance's live session contribute.
type CurrentStateOutput struct {
	current      map[string]map[string]map[string]string
	info         map[string]map[string]map[string]string
	requested    map[string]map[string]map[string]string
	pending      map[string]map[string]map[string]*model.Message
	cancellation map[string]map[string]map[string]*model.Message
}

func newCurrentStateOutput() *CurrentStateOutput {
	return &CurrentStateOutput{
		current:      make(map[string]map[string]map[string]string),
		info:         make(map[string]map[string]map[string]string),
		requested:    make(map[string]map[string]map[string]string),
		pending:      make(map[string]map[string]map[string]*model.Message),
		cancellation: make(map[string]map[string]map[string]*model.Message),
	}
}

func setNested[T any](m map[string]map[string]map[string]T, resource, partition, instance string, v T) {
	pm, ok := m[resource]
	if !ok {
		pm = make(map[string]map[string]T)
		m[resource] = pm
	}
	im, ok := pm[partition]
	if !ok {
		im = make(map[string]T)
		pm[partition] = im
	}
	im[instance] = v
}

func getNested[T any](m map[string]map[string]map[string]T, resource, partition, instance string) T {
	return m[resource][partition][instance]
}

// State returns the reported state of a replica, or "".
func (o *CurrentStateOutput) State(resource, partition, instance string) string {
	return getNested(o.current, resource, partition, instance)
}

// RequestedState returns the in-flight target recorded on the replica's
// current state, or "".
func (o *CurrentStateOutput) RequestedState(resource, partition, instance string) string {
	return getNested(o.requested, resource, partition, instance)
}

// PendingMessage returns the outstanding state-transition message for the
// replica, or nil.
func (o *CurrentStateOutput) PendingMessage(resource, partition, instance string) *model.Message {
	return getNested(o.pending, resource, partition, instance)
}

// PendingCancellation returns the outstanding cancellation message for
// the replica, or nil.
func (o *CurrentStateOutput) PendingCancellation(resource, partition, instance string) *model.Message {
	return getNested(o.cancellation, resource, partition, instance)
}

// StateMap returns instance->state for one partition. The returned map is
// shared; callers must not mutate it.
func (o *CurrentStateOutput) StateMap(resource, partition string) map[string]string {
	return o.current[resource][partition]
}

// Partitions returns the partitions with any reported state for the
// resource.
func (o *CurrentStateOutput) Partitions(resource string) []string {
	pm := o.current[resource]
	out := make([]string, 0, len(pm))
	for p := range pm {
		out = append(out, p)
	}
	return out
}

// CurrentStateAggregationStage folds session-matched current states and
// outstanding messages into the CurrentStateOutput consumed by the
// remaining stages.
type CurrentStateAggregationStage struct{}

func (CurrentStateAggregationStage) Name() string { return "CurrentStateAggregation" }

func (CurrentStateAggregationStage) Process(rc *RunContext) error {
	snap := rc.Snapshot
	out := newCurrentStateOutput()
	logger := log.WithCluster(snap.Cluster)

	for instance, states := range snap.CurrentStates {
		for resource, cs := range states {
			if _, tracked := rc.Resources[resource]; !tracked {
				continue
			}
			for _, partition := range cs.Partitions() {
				if state := cs.State(partition); state != "" {
					setNested(out.current, resource, partition, instance, state)
				}
				if req := cs.RequestedState(partition); req != "" {
					setNested(out.requested, resource, partition, instance, req)
				}
				if info := cs.Info(partition); info != "" {
					setNested(out.info, resource, partition, instance, info)
				}
			}
		}
	}

	for instance, msgs := range snap.Messages {
		session := snap.Session(instance)
		for _, msg := range msgs {
			if msg.TgtSessionID() != session {
				// Addressed to a dead session; the participant deletes it on
				// reconnect, the controller just ignores it.
				continue
			}
			resource, partition := msg.ResourceName(), msg.PartitionName()
			if _, tracked := rc.Resources[resource]; !tracked {
				continue
			}
			switch msg.Type() {
			case model.MessageStateTransition:
				if prev := getNested(out.pending, resource, partition, instance); prev != nil {
					logger.Error().Str("resource", resource).Str("partition", partition).
						Str("instance", instance).Msg("duplicate outstanding transition messages")
				}
				setNested(out.pending, resource, partition, instance, msg)
			case model.MessageCancellation:
				setNested(out.cancellation, resource, partition, instance, msg)
			}
		}
	}

	rc.CurrentState = out
	return nil
}
