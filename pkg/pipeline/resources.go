package pipeline

import (
	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
)

// ResourceComputationStage enumerates the resources the run rebalances:
// every enabled ideal state with a resolvable state model, plus orphaned
// resources that only exist in participant current states (those are
// driven to DROPPED). Misconfigured resources are skipped, not fatal.
type ResourceComputationStage struct{}

func (ResourceComputationStage) Name() string { return "ResourceComputation" }

func (ResourceComputationStage) Process(rc *RunContext) error {
	snap := rc.Snapshot
	logger := log.WithCluster(snap.Cluster)
	rc.Resources = make(map[string]*Resource, len(snap.IdealStates))

	for name, is := range snap.IdealStates {
		if !is.Enabled() {
			continue
		}
		def, ok := snap.Def(is.StateModelDefRef())
		if !ok {
			logger.Warn().Str("resource", name).
				Str("state_model", is.StateModelDefRef()).
				Msg("skipping resource with unregistered state model")
			continue
		}
		if is.NumPartitions() <= 0 {
			logger.Warn().Str("resource", name).Msg("skipping resource with no partitions")
			continue
		}
		rc.Resources[name] = &Resource{Name: name, IdealState: is, Def: def}
	}

	for instance, states := range snap.CurrentStates {
		for name, cs := range states {
			if _, ok := rc.Resources[name]; ok {
				continue
			}
			if _, ok := snap.IdealStates[name]; ok {
				// Present but disabled or misconfigured; leave it alone.
				continue
			}
			def, ok := snap.Def(cs.StateModelDef())
			if !ok {
				logger.Warn().Str("resource", name).Str("instance", instance).
					Msg("orphan current state with unknown state model")
				continue
			}
			rc.Resources[name] = &Resource{Name: name, Def: def}
		}
	}

	metrics.ResourcesTotal.WithLabelValues(snap.Cluster).Set(float64(len(rc.Resources)))
	return nil
}
