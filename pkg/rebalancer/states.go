package rebalancer

import (
	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
)

// assignStates maps a priority-ordered instance list onto states, filling
// per-state upper bounds from the top state down. Instances beyond the
// replica count or the bounds get no state. Instances disabled for the
// partition are skipped.
func assignStates(snap *cache.Snapshot, is *model.IdealState, def *statemodel.Def,
	partition string, preference []string) map[string]string {

	resource := is.ResourceName()
	eligible := make([]string, 0, len(preference))
	for _, inst := range preference {
		cfg, ok := snap.InstanceConfigs[inst]
		if !ok || cfg.PartitionDisabled(resource, partition) {
			continue
		}
		eligible = append(eligible, inst)
	}

	live := len(snap.LiveInstances)
	replicas := is.ReplicaCount(live)
	if replicas > len(eligible) {
		replicas = len(eligible)
	}

	out := make(map[string]string, replicas)
	assigned := 0
	next := 0
	for _, state := range def.StatesPriorityList() {
		if state == statemodel.StateError || state == statemodel.StateDropped {
			continue
		}
		bound := def.UpperBound(state, replicas, live)
		for next < len(eligible) && assigned < replicas && (bound < 0 || bound > 0) {
			out[eligible[next]] = state
			next++
			assigned++
			if bound > 0 {
				bound--
			}
		}
		if assigned >= replicas {
			break
		}
	}
	return out
}
