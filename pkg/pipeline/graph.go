package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gantryci/gantry/pkg/models"
)

// ErrCycle marks a dependency graph that can never be scheduled.
var ErrCycle = errors.New("pipeline: dependency cycle")

// Graph is the stage dependency graph built from each stage's needs list.
// Construction rejects duplicate stage names and unknown dependency targets;
// Validate proves the graph is acyclic before anything runs.
type Graph struct {
	names    []string
	index    map[string]int
	outgoing [][]int
	incoming [][]int
	indeg    []int
}

func NewGraph(stages []models.Stage) (*Graph, error) {
	g := &Graph{
		names:    make([]string, 0, len(stages)),
		index:    make(map[string]int, len(stages)),
		outgoing: make([][]int, len(stages)),
		incoming: make([][]int, len(stages)),
		indeg:    make([]int, len(stages)),
	}

	for i, s := range stages {
		if _, ok := g.index[s.Name]; ok {
			return nil, fmt.Errorf("duplicate stage name: %s", s.Name)
		}
		g.index[s.Name] = i
		g.names = append(g.names, s.Name)
	}

	for i, s := range stages {
		for _, dep := range s.Needs {
			from, ok := g.index[dep]
			if !ok {
				return nil, fmt.Errorf("stage %s needs unknown stage: %s", s.Name, dep)
			}
			if from == i {
				return nil, fmt.Errorf("stage %s cannot need itself", s.Name)
			}
			g.outgoing[from] = append(g.outgoing[from], i)
			g.incoming[i] = append(g.incoming[i], from)
			g.indeg[i]++
		}
	}

	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}

	return g, nil
}

// Validate proves the graph has no cycles using Kahn's algorithm. If a cycle
// exists, one cycle path is extracted deterministically for the error.
func (g *Graph) Validate() error {
	if len(g.topoOrderIndices()) == len(g.names) {
		return nil
	}

	path := g.findCycle()
	return fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
}

// TopoOrder returns stage names in an order where every stage appears after
// all of its dependencies. Call Validate first; on a cyclic graph the order
// is partial.
func (g *Graph) TopoOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, i := range order {
		names = append(names, g.names[i])
	}
	return names
}

// Dependencies returns the direct upstream stage names of name.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(g.incoming[i]))
	for _, from := range g.incoming[i] {
		deps = append(deps, g.names[from])
	}
	return deps
}

// Dependents returns the direct downstream stage names of name.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(g.outgoing[i]))
	for _, to := range g.outgoing[i] {
		deps = append(deps, g.names[to])
	}
	return deps
}

// topoOrderIndices returns a deterministic topological ordering. The ready
// set is drained in declaration order, so independent stages keep the order
// they appear in the pipeline file.
func (g *Graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := make([]int, 0, len(indeg))
	for i := range indeg {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	return out
}

// findCycle runs a DFS over declaration-ordered indices and reconstructs one
// cycle path as a stable witness for error reporting.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < len(g.names); i++ {
		if color[i] == white && dfs(i) {
			break
		}
	}

	// cycle is collected tail-first; reverse into path order.
	names := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		names = append(names, g.names[cycle[i]])
	}
	return names
}
