package rebalancer

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/model"
)

// SemiAuto assigns states along the operator-provided preference list of
// each partition, restricted to eligible instances.
type SemiAuto struct{}

// Compute implements Rebalancer.
func (SemiAuto) Compute(snap *cache.Snapshot, is *model.IdealState) (Assignment, error) {
	def, ok := snap.Def(is.StateModelDefRef())
	if !ok {
		return nil, fmt.Errorf("resource %s references unknown state model %q",
			is.ResourceName(), is.StateModelDefRef())
	}

	eligible := eligibleInstances(snap, is)
	out := make(Assignment)
	for _, partition := range is.PartitionNames() {
		preference := lo.Filter(is.PreferenceList(partition), func(inst string, _ int) bool {
			return lo.Contains(eligible, inst)
		})
		out[partition] = assignStates(snap, is, def, partition, preference)
	}
	return out, nil
}
