package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// Node places a step in the DAG.
type Node struct {
	Step     Step
	Upstream []string
	Retry    RetryPolicy

	// Ephemeral marks steps whose output only lives in the RunContext. A
	// resumed run re-executes them when a direct dependent runs again.
	Ephemeral bool
}

// Name returns the step name.
func (n *Node) Name() string {
	return n.Step.Name()
}

// Graph is a validated, immutable DAG of steps.
type Graph struct {
	nodes      map[string]*Node
	order      []string
	downstream map[string][]string
}

// NewGraph validates the nodes: names must be unique, upstreams must exist
// and the graph must be acyclic.
func NewGraph(nodes ...*Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*Node, len(nodes)),
		downstream: make(map[string][]string, len(nodes)),
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.Step == nil || n.Name() == "" {
			return nil, fmt.Errorf("NewGraph: node %d has no step name", i)
		}
		name := n.Name()
		if _, dup := g.nodes[name]; dup {
			return nil, fmt.Errorf("NewGraph: duplicate step %q", name)
		}
		g.nodes[name] = n
		index[name] = i
	}

	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		seen := map[string]bool{}
		for _, up := range n.Upstream {
			if _, ok := g.nodes[up]; !ok {
				return nil, fmt.Errorf("NewGraph: step %q depends on unknown step %q", n.Name(), up)
			}
			if up == n.Name() {
				return nil, fmt.Errorf("NewGraph: step %q depends on itself", up)
			}
			if seen[up] {
				continue
			}
			seen[up] = true
			g.downstream[up] = append(g.downstream[up], n.Name())
			indegree[n.Name()]++
		}
	}

	// Kahn's algorithm, breaking ties by declaration order.
	var ready []string
	for _, n := range nodes {
		if indegree[n.Name()] == 0 {
			ready = append(ready, n.Name())
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		g.order = append(g.order, name)
		for _, d := range g.downstream[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(g.order) != len(nodes) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("NewGraph: cycle between steps %s", strings.Join(cyclic, ", "))
	}

	for name := range g.downstream {
		sort.Slice(g.downstream[name], func(i, j int) bool {
			return index[g.downstream[name][i]] < index[g.downstream[name][j]]
		})
	}

	return g, nil
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.order)
}

// Order returns step names in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Node returns a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Dependents returns the direct downstream steps of name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.downstream[name]...)
}

// Downstream returns every step transitively depending on name, in topological order.
func (g *Graph) Downstream(name string) []string {
	reached := map[string]bool{}
	stack := append([]string(nil), g.downstream[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[n] {
			continue
		}
		reached[n] = true
		stack = append(stack, g.downstream[n]...)
	}

	out := make([]string, 0, len(reached))
	for _, n := range g.order {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}

// Sinks returns steps nothing depends on, in topological order.
func (g *Graph) Sinks() []string {
	var out []string
	for _, n := range g.order {
		if len(g.downstream[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}
