package dispatch

import "parrotd/internal/registry"

// Policy is a named placement strategy.
type Policy interface {
	Name() string
	// Admit applies policy-specific filters on top of model and capacity checks.
	Admit(e *registry.Engine, t *Task) bool
	// Prefer reports whether candidate beats best, given each engine's
	// remaining capacity at decision time. Ties keep best.
	Prefer(candidateRemaining, bestRemaining int) bool
}

// LoadBalance places work on the engine with the most remaining capacity.
type LoadBalance struct{}

func (LoadBalance) Name() string                       { return "load-balance" }
func (LoadBalance) Admit(*registry.Engine, *Task) bool { return true }
func (LoadBalance) Prefer(candidate, best int) bool    { return candidate > best }

// DAGAware packs work onto the engine with the least remaining capacity and
// only admits engines whose load is below both the engine's and the task's
// requests-num upperbound. Loosely bounded tasks thus leave slack for tightly
// bounded ones.
type DAGAware struct{}

func (DAGAware) Name() string { return "dag-aware" }

func (DAGAware) Admit(e *registry.Engine, t *Task) bool {
	load := e.NumThreads()
	return e.Upperbound() > load && t.upperbound() > load
}

func (DAGAware) Prefer(candidate, best int) bool { return candidate < best }

// PolicyFor maps the dag_aware switch to a strategy.
func PolicyFor(dagAware bool) Policy {
	if dagAware {
		return DAGAware{}
	}
	return LoadBalance{}
}
