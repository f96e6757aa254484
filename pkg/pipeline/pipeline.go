package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/helmsman-io/helmsman/pkg/cache"
	"github.com/helmsman-io/helmsman/pkg/log"
	"github.com/helmsman-io/helmsman/pkg/metrics"
	"github.com/helmsman-io/helmsman/pkg/model"
	"github.com/helmsman-io/helmsman/pkg/rebalancer"
	"github.com/helmsman-io/helmsman/pkg/statemodel"
	"github.com/helmsman-io/helmsman/pkg/store"
)

// ErrStateModelViolation marks a computed transition that is not an edge
// of the resource's state model. The run aborts before dispatch.
var ErrStateModelViolation = errors.New("pipeline: computed transition violates state model")

// Stage is one step of a pipeline run. Stages communicate through the
// RunContext and never touch the store except through the accessor.
type Stage interface {
	Name() string
	Process(rc *RunContext) error
}

// Resource is one rebalanced resource together with its parsed state
// model. IdealState is nil for orphans that only exist in current states;
// those converge to DROPPED.
type Resource struct {
	Name       string
	IdealState *model.IdealState
	Def        *statemodel.Def
}

// RunContext carries one run's inputs and stage outputs.
type RunContext struct {
	Ctx        context.Context
	Snapshot   *cache.Snapshot
	Accessor   *store.Accessor
	Controller string

	Resources    map[string]*Resource
	CurrentState *CurrentStateOutput

	// BestPossible and Intermediate map resource -> partition -> instance
	// -> state.
	BestPossible map[string]rebalancer.Assignment
	Intermediate map[string]rebalancer.Assignment

	// Messages holds the transitions and cancellations to dispatch.
	Messages      []*model.Message
	Cancellations []*model.Message
}

// Pipeline runs the stage sequence against one snapshot at a time.
type Pipeline struct {
	cluster    string
	controller string
	accessor   *store.Accessor
	stages     []Stage
}

// New assembles the default stage sequence for a cluster. The controller
// name becomes the source of every dispatched message.
func New(cluster, controller string, accessor *store.Accessor) *Pipeline {
	return &Pipeline{
		cluster:    cluster,
		controller: controller,
		accessor:   accessor,
		stages: []Stage{
			ResourceComputationStage{},
			CurrentStateAggregationStage{},
			BestPossibleStage{},
			IntermediateStateStage{},
			MessageGenerationStage{},
			MessageDispatchStage{},
			ExternalViewStage{},
		},
	}
}

// Run executes all stages against the snapshot. A stage error aborts the
// run with no further side effects; shutdown is honored at stage
// boundaries.
func (p *Pipeline) Run(ctx context.Context, snap *cache.Snapshot) error {
	if snap.Config != nil && snap.Config.PipelineDisabled() {
		lg := log.WithCluster(p.cluster)
		lg.Debug().Msg("pipeline disabled by cluster config")
		return nil
	}

	rc := &RunContext{
		Ctx:        ctx,
		Snapshot:   snap,
		Accessor:   p.accessor,
		Controller: p.controller,
	}

	timer := metrics.NewTimer()
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			metrics.PipelineRunsTotal.WithLabelValues(p.cluster, "cancelled").Inc()
			return err
		}
		if err := stage.Process(rc); err != nil {
			if errors.Is(err, ErrStateModelViolation) {
				metrics.StateModelViolations.WithLabelValues(p.cluster).Inc()
			}
			metrics.PipelineRunsTotal.WithLabelValues(p.cluster, "error").Inc()
			lg := log.WithCluster(p.cluster)
			lg.Error().Err(err).
				Str("stage", stage.Name()).Msg("pipeline run aborted")
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
	}

	metrics.PipelineRunsTotal.WithLabelValues(p.cluster, "ok").Inc()
	timer.ObserveDurationVec(metrics.PipelineRunDuration, p.cluster)
	lg := log.WithCluster(p.cluster)
	lg.Debug().
		Int("resources", len(rc.Resources)).
		Int("messages", len(rc.Messages)).
		Int("cancellations", len(rc.Cancellations)).
		Dur("took", timer.Duration()).
		Msg("pipeline run complete")
	return nil
}
