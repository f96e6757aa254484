package throttle

import (
	"github.com/helmsman-io/helmsman/pkg/model"
)

// Engine accounts concurrent state transitions against the configured
// caps. Pending transitions observed in the snapshot are charged first
// (unconditionally); new transitions are admitted only while every
// applicable cap has headroom. The engine is single-run scratch state:
// build one per pipeline run.
type Engine struct {
	configs []model.ThrottleConfig

	clusterUsed  map[model.ThrottleType]int64
	resourceUsed map[string]map[model.ThrottleType]int64
	instanceUsed map[string]map[model.ThrottleType]int64
}

// New builds an engine from the cluster's throttle configs. With no
// configs every transition is admitted.
func New(configs []model.ThrottleConfig) *Engine {
	return &Engine{
		configs:      configs,
		clusterUsed:  make(map[model.ThrottleType]int64),
		resourceUsed: make(map[string]map[model.ThrottleType]int64),
		instanceUsed: make(map[string]map[model.ThrottleType]int64),
	}
}

func usage(m map[model.ThrottleType]int64, t model.ThrottleType) int64 {
	if t == model.ThrottleAny {
		return m[model.ThrottleLoadBalance] + m[model.ThrottleRecoveryBalance]
	}
	return m[t]
}

func (e *Engine) used(scope model.ThrottleScope, resource, instance string, t model.ThrottleType) int64 {
	switch scope {
	case model.ThrottleScopeCluster:
		return usage(e.clusterUsed, t)
	case model.ThrottleScopeResource:
		return usage(e.resourceUsed[resource], t)
	case model.ThrottleScopeInstance:
		return usage(e.instanceUsed[instance], t)
	}
	return 0
}

// Admit reports whether one more transition of class t for (resource,
// instance) fits every applicable cap. It does not charge.
func (e *Engine) Admit(t model.ThrottleType, resource, instance string) bool {
	for _, cfg := range e.configs {
		if cfg.Type != model.ThrottleAny && cfg.Type != t {
			continue
		}
		if e.used(cfg.Scope, resource, instance, cfg.Type) >= cfg.Max {
			return false
		}
	}
	return true
}

// Charge records one in-flight transition of class t, regardless of caps.
// Used for transitions already pending in the store.
func (e *Engine) Charge(t model.ThrottleType, resource, instance string) {
	e.clusterUsed[t]++
	rm, ok := e.resourceUsed[resource]
	if !ok {
		rm = make(map[model.ThrottleType]int64)
		e.resourceUsed[resource] = rm
	}
	rm[t]++
	im, ok := e.instanceUsed[instance]
	if !ok {
		im = make(map[model.ThrottleType]int64)
		e.instanceUsed[instance] = im
	}
	im[t]++
}

// TryCharge admits and charges in one step, reporting whether the
// transition was admitted.
func (e *Engine) TryCharge(t model.ThrottleType, resource, instance string) bool {
	if !e.Admit(t, resource, instance) {
		return false
	}
	e.Charge(t, resource, instance)
	return true
}
