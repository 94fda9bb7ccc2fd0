// Package graph encodes stage dependency ordering for pipeline execution.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError is returned when the dependency graph contains a cycle.
type CycleError struct {
	Stages []string // stages participating in (or downstream of) the cycle
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving stages: %s", strings.Join(e.Stages, ", "))
}

// MissingStageError is returned when a needs entry references an unknown stage.
type MissingStageError struct {
	Stage   string
	Missing string
}

func (e *MissingStageError) Error() string {
	return fmt.Sprintf("stage %s needs unknown stage %s", e.Stage, e.Missing)
}

// Graph is a directed dependency graph over stage names. Insertion order is
// preserved so that topological ordering is deterministic.
type Graph struct {
	order []string
	needs map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{needs: make(map[string][]string)}
}

// Add registers a stage and its dependencies. Adding the same stage twice
// replaces its needs set.
func (g *Graph) Add(stage string, needs ...string) {
	if _, ok := g.needs[stage]; !ok {
		g.order = append(g.order, stage)
	}
	g.needs[stage] = append([]string(nil), needs...)
}

// Needs returns the declared dependencies of a stage.
func (g *Graph) Needs(stage string) []string {
	return g.needs[stage]
}

// Stages returns all stage names in insertion order.
func (g *Graph) Stages() []string {
	return append([]string(nil), g.order...)
}

// Validate checks that every needs entry references a known stage.
func (g *Graph) Validate() error {
	for _, stage := range g.order {
		for _, dep := range g.needs[stage] {
			if _, ok := g.needs[dep]; !ok {
				return &MissingStageError{Stage: stage, Missing: dep}
			}
		}
	}
	return nil
}

// TopologicalOrder returns stage names ordered so that every stage appears
// after all of its needs (Kahn's algorithm). Returns a CycleError if the
// graph is cyclic. The order is deterministic for a given insertion order.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for _, stage := range g.order {
		indegree[stage] = len(g.needs[stage])
		for _, dep := range g.needs[stage] {
			dependents[dep] = append(dependents[dep], stage)
		}
	}

	var ready []string
	for _, stage := range g.order {
		if indegree[stage] == 0 {
			ready = append(ready, stage)
		}
	}

	result := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		stage := ready[0]
		ready = ready[1:]
		result = append(result, stage)
		for _, dep := range dependents[stage] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(result) != len(g.order) {
		var remaining []string
		for _, stage := range g.order {
			if indegree[stage] > 0 {
				remaining = append(remaining, stage)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Stages: remaining}
	}
	return result, nil
}

// ReadyStages returns the stages whose entire needs set is contained in
// completed and that are not themselves in completed, in insertion order.
func (g *Graph) ReadyStages(completed map[string]bool) []string {
	var ready []string
	for _, stage := range g.order {
		if completed[stage] {
			continue
		}
		ok := true
		for _, dep := range g.needs[stage] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, stage)
		}
	}
	return ready
}

// TransitiveDependents returns every stage whose needs set transitively
// includes any of the given stages.
func (g *Graph) TransitiveDependents(stages ...string) map[string]bool {
	tainted := make(map[string]bool, len(stages))
	for _, s := range stages {
		tainted[s] = true
	}
	// The graph is a DAG of modest size; iterate to fixpoint.
	for changed := true; changed; {
		changed = false
		for _, stage := range g.order {
			if tainted[stage] {
				continue
			}
			for _, dep := range g.needs[stage] {
				if tainted[dep] {
					tainted[stage] = true
					changed = true
					break
				}
			}
		}
	}
	for _, s := range stages {
		delete(tainted, s)
	}
	return tainted
}
