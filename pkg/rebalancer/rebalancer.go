package rebalancer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/model"
)

// Assignment is the best-possible target: partition -> instance -> state.
type Assignment map[string]map[string]string

// Rebalancer computes the best-possible assignment for one resource,
// ignoring throttles. Implementations must be deterministic given the
// snapshot.
type Rebalancer interface {
	Compute(snap *cache.Snapshot, is *model.IdealState) (Assignment, error)
}

// For selects the rebalancer for the resource's rebalance mode.
func For(is *model.IdealState) (Rebalancer, error) {
	switch is.RebalanceMode() {
	case model.RebalanceModeSemiAuto:
		return SemiAuto{}, nil
	case model.RebalanceModeFullAuto:
		return FullAuto{}, nil
	case model.RebalanceModeCustomized:
		return Customized{}, nil
	case model.RebalanceModeUserDefined:
		r, ok := Lookup(is.RebalancerName())
		if !ok {
			return nil, fmt.Errorf("no rebalancer registered as %q for resource %s",
				is.RebalancerName(), is.ResourceName())
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown rebalance mode %q for resource %s",
			is.RebalanceMode(), is.ResourceName())
	}
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Rebalancer)
)

// Register installs a USER_DEFINED rebalancer plugin under a name.
func Register(name string, r Rebalancer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = r
}

// Lookup finds a registered plugin.
func Lookup(name string) (Rebalancer, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[name]
	return r, ok
}

// eligibleInstances returns instances that may host replicas of the
// resource: enabled, carrying the resource's tag, and either live or
// still inside the delayed-rebalance window. Sorted for determinism.
func eligibleInstances(snap *cache.Snapshot, is *model.IdealState) []string {
	tag := is.InstanceGroupTag()
	candidates := lo.Uniq(append(lo.Keys(snap.LiveInstances), lo.Keys(snap.OfflineSince)...))
	out := lo.Filter(candidates, func(name string, _ int) bool {
		cfg, ok := snap.InstanceConfigs[name]
		return ok && cfg.Enabled() && cfg.HasTag(tag)
	})
	sort.Strings(out)
	return out
}
