package rebalancer

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/model"
)

// Customized takes the ideal state's per-partition instance->state maps
// as authoritative, filtered to eligible instances and valid states.
type Customized struct{}

// Compute implements Rebalancer.
func (Customized) Compute(snap *cache.Snapshot, is *model.IdealState) (Assignment, error) {
	def, ok := snap.Def(is.StateModelDefRef())
	if !ok {
		return nil, fmt.Errorf("resource %s references unknown state model %q",
			is.ResourceName(), is.StateModelDefRef())
	}

	eligible := eligibleInstances(snap, is)
	resource := is.ResourceName()
	out := make(Assignment)
	for _, partition := range is.PartitionNames() {
		target := make(map[string]string)
		for inst, state := range is.InstanceStateMap(partition) {
			if !lo.Contains(eligible, inst) {
				continue
			}
			cfg, ok := snap.InstanceConfigs[inst]
			if !ok || cfg.PartitionDisabled(resource, partition) {
				continue
			}
			if !def.HasState(state) {
				continue
			}
			target[inst] = state
		}
		out[partition] = target
	}
	return out, nil
}
