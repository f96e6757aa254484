package pipeline

import (
	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/rebalancer"
)

// BestPossibleStage computes the throttle-free target assignment per
// resource by delegating to the resource's rebalancer. A resource whose
// rebalancer fails is skipped; the rest of the run proceeds.
type BestPossibleStage struct{}

func (BestPossibleStage) Name() string { return "BestPossibleState" }

func (BestPossibleStage) Process(rc *RunContext) error {
	snap := rc.Snapshot
	logger := log.WithCluster(snap.Cluster)
	rc.BestPossible = make(map[string]rebalancer.Assignment, len(rc.Resources))

	persist := snap.Config != nil && snap.Config.PersistBestPossible()

	for name, res := range rc.Resources {
		if res.IdealState == nil {
			// Orphan: no ideal state means an empty target, which drives
			// every remaining replica to DROPPED downstream.
			rc.BestPossible[name] = rebalancer.Assignment{}
			continue
		}
		r, err := rebalancer.For(res.IdealState)
		if err != nil {
			logger.Warn().Err(err).Str("resource", name).Msg("skipping resource")
			delete(rc.Resources, name)
			continue
		}
		assignment, err := r.Compute(snap, res.IdealState)
		if err != nil {
			logger.Warn().Err(err).Str("resource", name).Msg("rebalance failed, skipping resource")
			delete(rc.Resources, name)
			continue
		}
		rc.BestPossible[name] = assignment

		if persist && res.IdealState.RebalanceMode() == model.RebalanceModeFullAuto {
			if err := persistAssignment(rc, name, assignment); err != nil {
				logger.Warn().Err(err).Str("resource", name).Msg("persisting best possible failed")
			}
		}
	}
	return nil
}

// persistAssignment mirrors a FULL_AUTO placement into the ideal state's
// map fields so operators can inspect it. Skipped when nothing changed,
// otherwise every run would dirty the ideal-state subtree.
func persistAssignment(rc *RunContext, resource string, assignment rebalancer.Assignment) error {
	is := rc.Snapshot.IdealStates[resource]
	if is == nil {
		return nil
	}
	if assignmentEqual(is.MapFields, assignment) {
		return nil
	}
	path := rc.Accessor.Keys().IdealState(resource)
	return rc.Accessor.Update(path, func(rec *model.Record) *model.Record {
		if rec == nil {
			return nil
		}
		rec.MapFields = make(map[string]map[string]string, len(assignment))
		for partition, states := range assignment {
			m := make(map[string]string, len(states))
			for inst, state := range states {
				m[inst] = state
			}
			rec.MapFields[partition] = m
		}
		return rec
	})
}

func assignmentEqual(fields map[string]map[string]string, assignment rebalancer.Assignment) bool {
	if len(fields) != len(assignment) {
		return false
	}
	for partition, states := range assignment {
		have, ok := fields[partition]
		if !ok || len(have) != len(states) {
			return false
		}
		for inst, state := range states {
			if have[inst] != state {
				return false
			}
		}
	}
	return true
}
