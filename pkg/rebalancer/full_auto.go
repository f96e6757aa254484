package rebalancer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
)

// FullAuto places partitions greedily across eligible instances. Placement
// is a pure function of the snapshot: even spread by assignment count,
// replicas of one partition on distinct fault zones when enough zones
// exist, and a preference for instances already hosting the partition so
// repeated runs keep replicas where they are.
type FullAuto struct{}

// Compute implements Rebalancer.
func (FullAuto) Compute(snap *cache.Snapshot, is *model.IdealState) (Assignment, error) {
	def, ok := snap.Def(is.StateModelDefRef())
	if !ok {
		return nil, fmt.Errorf("resource %s references unknown state model %q",
			is.ResourceName(), is.StateModelDefRef())
	}

	eligible := eligibleInstances(snap, is)
	replicas := is.ReplicaCount(len(snap.LiveInstances))
	if replicas > len(eligible) {
		replicas = len(eligible)
	}

	zoneType := ""
	if snap.Config != nil {
		zoneType = snap.Config.FaultZoneType()
	}
	zones := make(map[string]string, len(eligible))
	load := make(map[string]int, len(eligible))
	for _, inst := range eligible {
		zones[inst] = faultZone(snap.InstanceConfigs[inst], zoneType)
	}

	resource := is.ResourceName()
	out := make(Assignment)
	for _, partition := range is.PartitionNames() {
		preference := placePartition(snap, resource, partition, eligible, zones, load, replicas)
		for _, inst := range preference {
			load[inst]++
		}
		out[partition] = assignStates(snap, is, def, partition, preference)
	}
	return out, nil
}

type candidate struct {
	instance string
	zone     string
	load     int
	sticky   int
	tiebreak uint64
}

// placePartition picks up to replicas instances for one partition,
// ordered so the stickiest, least loaded candidates carry the top states.
// Distinct fault zones are exhausted before a zone is reused.
func placePartition(snap *cache.Snapshot, resource, partition string,
	eligible []string, zones map[string]string, load map[string]int, replicas int) []string {

	cands := make([]candidate, 0, len(eligible))
	for _, inst := range eligible {
		cands = append(cands, candidate{
			instance: inst,
			zone:     zones[inst],
			load:     load[inst],
			sticky:   stickiness(snap, inst, resource, partition),
			tiebreak: placementHash(partition, inst),
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.sticky != b.sticky {
			return a.sticky > b.sticky
		}
		if a.load != b.load {
			return a.load < b.load
		}
		if a.tiebreak != b.tiebreak {
			return a.tiebreak < b.tiebreak
		}
		return a.instance < b.instance
	})

	chosen := make([]string, 0, replicas)
	usedZones := make(map[string]struct{}, replicas)
	taken := make(map[string]struct{}, replicas)
	for _, c := range cands {
		if len(chosen) >= replicas {
			break
		}
		if _, dup := usedZones[c.zone]; dup && c.zone != "" {
			continue
		}
		chosen = append(chosen, c.instance)
		taken[c.instance] = struct{}{}
		usedZones[c.zone] = struct{}{}
	}
	// Not enough distinct zones; fill remaining slots regardless.
	for _, c := range cands {
		if len(chosen) >= replicas {
			break
		}
		if _, dup := taken[c.instance]; dup {
			continue
		}
		chosen = append(chosen, c.instance)
		taken[c.instance] = struct{}{}
	}
	return chosen
}

// stickiness ranks an instance by how strongly it already holds the
// partition: 2 for the model's non-initial states, 1 for any recorded
// state, 0 otherwise.
func stickiness(snap *cache.Snapshot, instance, resource, partition string) int {
	cs := snap.CurrentState(instance, resource)
	if cs == nil {
		return 0
	}
	state := cs.State(partition)
	switch state {
	case "", statemodel.StateError, statemodel.StateDropped:
		return 0
	case statemodel.StateOffline:
		return 1
	default:
		return 2
	}
}

// faultZone extracts the instance's zone from its topology domain string
// ("zone=z1,host=h3"). An instance with no resolvable zone is its own
// zone, so isolation degrades to per-instance placement.
func faultZone(cfg *model.InstanceConfig, zoneType string) string {
	if cfg == nil {
		return ""
	}
	domain := cfg.Domain()
	if domain == "" || zoneType == "" {
		return cfg.InstanceName()
	}
	for _, kv := range strings.Split(domain, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && k == zoneType {
			return v
		}
	}
	return cfg.InstanceName()
}

func placementHash(partition, instance string) uint64 {
	h, err := hashstructure.Hash([2]string{partition, instance}, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}
