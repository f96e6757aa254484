package pipeline

import (
	"sort"

	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/rebalancer"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/throttle"
)

// IntermediateStateStage narrows the best-possible target to the next
// legal step: every change from current is a single state-model edge,
// per-state upper bounds hold across all in-flight transitions, and
// throttle budgets are consumed recovery-first in deterministic order.
type IntermediateStateStage struct{}

func (IntermediateStateStage) Name() string { return "IntermediateState" }

type partitionItem struct {
	resource  string
	partition string
	class     model.ThrottleType
}

func (IntermediateStateStage) Process(rc *RunContext) error {
	snap := rc.Snapshot
	var configs []model.ThrottleConfig
	if snap.Config != nil {
		configs = snap.Config.ThrottleConfigs()
	}
	engine := throttle.New(configs)
	rc.Intermediate = make(map[string]rebalancer.Assignment, len(rc.Resources))

	items := classifyPartitions(rc)
	chargePending(rc, engine, items)

	// Recovery partitions consume budget first, each class ordered by
	// (resource, partition).
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.class != b.class {
			return a.class == model.ThrottleRecoveryBalance
		}
		if a.resource != b.resource {
			return a.resource < b.resource
		}
		return a.partition < b.partition
	})

	for _, it := range items {
		res := rc.Resources[it.resource]
		result := nextStep(rc, engine, res, it.partition, it.class)
		if rc.Intermediate[it.resource] == nil {
			rc.Intermediate[it.resource] = make(rebalancer.Assignment)
		}
		rc.Intermediate[it.resource][it.partition] = result
	}
	return nil
}

// classifyPartitions enumerates every partition the run may act on and
// classifies it as recovery or load balance. A partition is in recovery
// when any replica is in ERROR, the top state is under-filled, or fewer
// than min-active replicas are serving.
func classifyPartitions(rc *RunContext) []partitionItem {
	snap := rc.Snapshot
	var items []partitionItem
	for name, res := range rc.Resources {
		seen := make(map[string]struct{})
		if res.IdealState != nil {
			for _, p := range res.IdealState.PartitionNames() {
				seen[p] = struct{}{}
			}
		}
		for _, p := range rc.CurrentState.Partitions(name) {
			seen[p] = struct{}{}
		}
		for p := range seen {
			items = append(items, partitionItem{
				resource:  name,
				partition: p,
				class:     classify(rc, snap, res, p),
			})
		}
	}
	return items
}

func classify(rc *RunContext, snap *cache.Snapshot, res *Resource, partition string) model.ThrottleType {
	projected := projectedStates(rc, res.Name, partition)

	topCount := 0
	active := 0
	for _, state := range projected {
		if state == statemodel.StateError {
			return model.ThrottleRecoveryBalance
		}
		if state == res.Def.TopState() {
			topCount++
		}
		switch state {
		case statemodel.StateOffline, statemodel.StateDropped, "":
		default:
			active++
		}
	}

	if res.IdealState == nil {
		return model.ThrottleLoadBalance
	}
	live := len(snap.LiveInstances)
	replicas := res.IdealState.ReplicaCount(live)
	expectedTop := res.Def.UpperBound(res.Def.TopState(), replicas, live)
	if expectedTop < 0 || expectedTop > replicas {
		expectedTop = replicas
	}
	if topCount < expectedTop {
		return model.ThrottleRecoveryBalance
	}
	if min := res.IdealState.MinActiveReplicas(); min >= 0 && active < min {
		return model.ThrottleRecoveryBalance
	}
	return model.ThrottleLoadBalance
}

// projectedStates returns instance -> state with pending to-states
// overlaid on reported states.
func projectedStates(rc *RunContext, resource, partition string) map[string]string {
	out := make(map[string]string)
	for inst, state := range rc.CurrentState.StateMap(resource, partition) {
		out[inst] = state
	}
	if pm := rc.CurrentState.pending[resource][partition]; pm != nil {
		for inst, msg := range pm {
			out[inst] = msg.ToState()
		}
	}
	return out
}

// chargePending accounts every outstanding transition (and cancellation)
// against the budgets before any new admission.
func chargePending(rc *RunContext, engine *throttle.Engine, items []partitionItem) {
	classes := make(map[[2]string]model.ThrottleType, len(items))
	for _, it := range items {
		classes[[2]string{it.resource, it.partition}] = it.class
	}
	charge := func(m map[string]map[string]map[string]*model.Message) {
		for resource, pm := range m {
			for partition, im := range pm {
				class, ok := classes[[2]string{resource, partition}]
				if !ok {
					class = model.ThrottleLoadBalance
				}
				for instance := range im {
					engine.Charge(class, resource, instance)
				}
			}
		}
	}
	charge(rc.CurrentState.pending)
	charge(rc.CurrentState.cancellation)
}

// nextStep computes the admitted instance->state map for one partition.
// Replicas it cannot legally or affordably move keep their current state.
func nextStep(rc *RunContext, engine *throttle.Engine, res *Resource,
	partition string, class model.ThrottleType) map[string]string {

	snap := rc.Snapshot
	def := res.Def
	logger := log.WithCluster(snap.Cluster).With().
		Str("resource", res.Name).Str("partition", partition).Logger()

	current := rc.CurrentState.StateMap(res.Name, partition)
	target := rc.BestPossible[res.Name][partition]

	// A replica reporting a state outside the model freezes the whole
	// partition; other partitions are unaffected.
	for inst, state := range current {
		if !def.HasState(state) {
			logger.Error().Str("instance", inst).Str("state", state).
				Msg("replica reports a state outside the state model")
			return copyStates(current)
		}
	}

	// Occupancy counts a transitioning replica in both its from and to
	// states so bounds hold in every interleaving of in-flight messages.
	// Pending messages count even before the target instance reports any
	// state for the partition.
	occ := make(map[string]int)
	for _, state := range current {
		occ[state]++
	}
	for inst, msg := range rc.CurrentState.pending[res.Name][partition] {
		if msg.ToState() != current[inst] {
			occ[msg.ToState()]++
		}
	}

	live := len(snap.LiveInstances)
	// An orphan's population is whatever still reports a state; its bounds
	// must admit the drain toward DROPPED.
	replicas := len(current)
	if res.IdealState != nil {
		replicas = res.IdealState.ReplicaCount(live)
	}

	instances := make([]string, 0, len(current)+len(target))
	seen := make(map[string]struct{})
	for inst := range current {
		seen[inst] = struct{}{}
		instances = append(instances, inst)
	}
	for inst := range target {
		if _, dup := seen[inst]; !dup {
			instances = append(instances, inst)
		}
	}
	sort.Strings(instances)

	cancelEnabled := snap.Config != nil && snap.Config.TransitionCancelEnabled()
	result := make(map[string]string, len(instances))

	type move struct {
		instance string
		from     string
		next     string
		priority int
	}
	var moves []move

	for _, inst := range instances {
		cur := current[inst]
		tgt, hasTgt := target[inst]

		if pending := rc.CurrentState.PendingMessage(res.Name, partition, inst); pending != nil {
			if cancelEnabled && (!hasTgt || tgt != pending.ToState()) &&
				rc.CurrentState.PendingCancellation(res.Name, partition, inst) == nil &&
				snap.Session(inst) != "" {
				rc.Cancellations = append(rc.Cancellations, newCancellation(rc, inst, pending))
			}
			if cur != "" {
				result[inst] = cur
			}
			continue
		}

		if _, isLive := snap.LiveInstances[inst]; !isLive {
			if cur != "" {
				result[inst] = cur
			}
			continue
		}

		from := cur
		if from == "" {
			if !hasTgt {
				continue
			}
			from = def.InitialState()
		}
		if !hasTgt {
			tgt = statemodel.StateDropped
		}
		if from == tgt {
			if cur != "" {
				result[inst] = cur
			}
			continue
		}
		next := def.NextState(from, tgt)
		if next == "" {
			logger.Warn().Str("instance", inst).Str("from", from).Str("to", tgt).
				Msg("no transition path, leaving replica in place")
			if cur != "" {
				result[inst] = cur
			}
			continue
		}
		if cur != "" {
			result[inst] = cur
		}
		moves = append(moves, move{instance: inst, from: from, next: next,
			priority: def.TransitionPriority(from, next)})
	}

	// Higher-priority transitions (lower rank) claim bounds and budget
	// first so promotions toward the top state win over demotions.
	sort.Slice(moves, func(i, j int) bool {
		if moves[i].priority != moves[j].priority {
			return moves[i].priority < moves[j].priority
		}
		return moves[i].instance < moves[j].instance
	})

	for _, mv := range moves {
		bound := def.UpperBound(mv.next, replicas, live)
		if bound >= 0 && occ[mv.next]+1 > bound {
			continue
		}
		if !engine.TryCharge(class, res.Name, mv.instance) {
			metrics.TransitionsThrottled.WithLabelValues(snap.Cluster, string(class)).Inc()
			continue
		}
		occ[mv.next]++
		result[mv.instance] = mv.next
	}
	return result
}

func copyStates(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newCancellation(rc *RunContext, instance string, pending *model.Message) *model.Message {
	msg := model.NewMessage(model.MessageCancellation)
	msg.SetSrcName(rc.Controller)
	msg.SetTgtName(instance)
	msg.SetTgtSessionID(rc.Snapshot.Session(instance))
	msg.SetResourceName(pending.ResourceName())
	msg.SetPartitionName(pending.PartitionName())
	msg.SetStateModelDef(pending.StateModelDef())
	msg.SetFromState(pending.FromState())
	msg.SetToState(pending.ToState())
	msg.SetRelayMsgID(pending.MsgID())
	return msg
}
