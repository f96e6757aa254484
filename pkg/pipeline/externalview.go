package pipeline

import (
	"errors"
	"fmt"

	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/store"
)

// ExternalViewStage publishes the aggregated partition->instance->state
// view per resource. Views are rewritten only when they differ from what
// is stored, and views of fully retired resources are removed.
type ExternalViewStage struct{}

func (ExternalViewStage) Name() string { return "ExternalView" }

func (ExternalViewStage) Process(rc *RunContext) error {
	snap := rc.Snapshot
	acc := rc.Accessor
	logger := log.WithCluster(snap.Cluster)

	for name, res := range rc.Resources {
		view := model.NewExternalView(name)
		for _, partition := range rc.CurrentState.Partitions(name) {
			states := rc.CurrentState.StateMap(name, partition)
			if len(states) == 0 {
				continue
			}
			view.SetStateMap(partition, copyStates(states))
		}

		if res.IdealState == nil && len(view.MapFields) == 0 {
			// Orphan fully drained; retire the view with it.
			err := acc.Conn().Delete(acc.Keys().ExternalView(name), store.AnyVersion)
			if err != nil && !errors.Is(err, store.ErrNoNode) {
				return fmt.Errorf("delete external view %s: %w", name, err)
			}
			continue
		}

		existing, err := acc.ExternalView(name)
		if err != nil {
			return fmt.Errorf("read external view %s: %w", name, err)
		}
		if existing != nil && mapFieldsEqual(existing.MapFields, view.MapFields) {
			continue
		}
		if err := acc.SetWithCreate(acc.Keys().ExternalView(name), view.Record, store.AnyVersion); err != nil {
			return fmt.Errorf("write external view %s: %w", name, err)
		}
		logger.Debug().Str("resource", name).Int("partitions", len(view.MapFields)).
			Msg("external view updated")
	}

	return pruneExternalViews(rc)
}

// pruneExternalViews deletes views of resources this run no longer
// tracks at all.
func pruneExternalViews(rc *RunContext) error {
	acc := rc.Accessor
	names, err := acc.Conn().GetChildren(acc.Keys().ExternalViews())
	if errors.Is(err, store.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list external views: %w", err)
	}
	for _, name := range names {
		if _, tracked := rc.Resources[name]; tracked {
			continue
		}
		if _, ok := rc.Snapshot.IdealStates[name]; ok {
			// Disabled or misconfigured resource; keep its last view.
			continue
		}
		err := acc.Conn().Delete(acc.Keys().ExternalView(name), store.AnyVersion)
		if err != nil && !errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("delete external view %s: %w", name, err)
		}
	}
	return nil
}

func mapFieldsEqual(a, b map[string]map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, am := range a {
		bm, ok := b[k]
		if !ok || len(am) != len(bm) {
			return false
		}
		for inst, state := range am {
			if bm[inst] != state {
				return false
			}
		}
	}
	return true
}
