package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/stepflow/types"
)

// CycleError reports a dependency cycle found during graph construction.
// Steps lists the ordered cycle, with the first step repeated implicitly.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s -> %s", strings.Join(e.Steps, " -> "), e.Steps[0])
}

// Graph is the read-only dependency graph of a workflow. It is built once
// per run and holds no execution state; step status lives in the scheduler's
// StepState records.
type Graph struct {
	steps map[string]*Step
	// deps maps a step to the steps it depends on.
	deps map[string][]string
	// dependents is the reverse adjacency: step -> steps that wait on it.
	dependents map[string][]string
	order      []string
}

// Build constructs the dependency graph for the given steps, validating
// references and rejecting cycles. On a cycle it returns a *CycleError
// wrapped in a types.ErrCycle classification naming every step in the cycle.
func Build(steps []Step) (*Graph, error) {
	g := &Graph{
		steps:      make(map[string]*Step, len(steps)),
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string),
		order:      make([]string, 0, len(steps)),
	}

	for i := range steps {
		step := &steps[i]
		if _, dup := g.steps[step.ID]; dup {
			return nil, types.Errorf(types.ErrDefinition, "duplicate step id: %s", step.ID)
		}
		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)
	}

	for i := range steps {
		step := &steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return nil, types.Errorf(types.ErrDefinition, "step %s depends on unknown step: %s", step.ID, dep)
			}
			g.deps[step.ID] = append(g.deps[step.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, types.NewError(types.ErrCycle, "workflow contains a dependency cycle").WithCause(cycle)
	}

	return g, nil
}

// findCycle runs a three-color depth-first search over the dependency
// edges. White nodes are unvisited, gray nodes are on the current DFS path,
// black nodes are fully explored. A dependency edge into a gray node closes
// a cycle; the ordered cycle is reconstructed from the path stack.
func (g *Graph) findCycle() *CycleError {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.steps))
	var path []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = gray
		path = append(path, id)

		for _, dep := range g.deps[id] {
			switch color[dep] {
			case gray:
				// Slice the path from the first occurrence of dep to
				// produce the exact ordered cycle.
				for i, p := range path {
					if p == dep {
						cycle := make([]string, len(path)-i)
						copy(cycle, path[i:])
						return &CycleError{Steps: cycle}
					}
				}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	// Iterate in declaration order so reported cycles are stable.
	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Step returns the step with the given id.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int {
	return len(g.steps)
}

// RootSteps returns the ids of steps with no dependencies, sorted.
func (g *Graph) RootSteps() []string {
	var roots []string
	for id := range g.steps {
		if len(g.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// ReadySteps returns the ids of steps whose every dependency is in the
// satisfied set and which are not themselves satisfied. The caller filters
// out steps that are already dispatched or terminal; the graph deliberately
// knows nothing about execution state.
func (g *Graph) ReadySteps(satisfied map[string]bool) []string {
	var ready []string
	for id := range g.steps {
		if satisfied[id] {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if !satisfied[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Dependencies returns the ids the given step depends on.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the ids of steps that depend on the given step.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// TopologicalOrder returns all step ids in a valid execution order using
// Kahn's algorithm. Build has already rejected cycles, so every step
// appears exactly once.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.steps))
	for id := range g.steps {
		indegree[id] = len(g.deps[id])
	}

	queue := g.RootSteps()
	order := make([]string, 0, len(g.steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := make([]string, 0)
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}
	return order
}
