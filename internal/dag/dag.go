// Package dag is a directed graph over string labels. It answers the ordering questions asked
// when rendering propagation graphs: which nodes are roots and in which order nodes can be
// laid out so that every edge points forward.
package dag

import (
	"fmt"
	"sort"
)

type Graph struct {
	Nodes   []string
	byLabel map[string]int
	edges   map[string]map[string]bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{byLabel: map[string]int{}, edges: map[string]map[string]bool{}}
}

// AddNode adds a node and reports whether it was new.
func (g *Graph) AddNode(label string) bool {
	if _, ok := g.byLabel[label]; ok {
		return false
	}
	g.byLabel[label] = len(g.Nodes)
	g.Nodes = append(g.Nodes, label)
	g.edges[label] = map[string]bool{}
	return true
}

func (g *Graph) HasNode(label string) bool {
	_, ok := g.byLabel[label]
	return ok
}

// AddEdge adds an edge, adding the endpoints as needed.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.edges[from][to] = true
}

func (g *Graph) HasEdge(from, to string) bool {
	return g.edges[from] != nil && g.edges[from][to]
}

// Edges returns the successors of a node in insertion order.
func (g *Graph) Edges(from string) []string {
	edges := make([]string, 0, len(g.edges[from]))
	for k := range g.edges[from] {
		edges = append(edges, k)
	}
	sort.Slice(edges, func(i, j int) bool { return g.byLabel[edges[i]] < g.byLabel[edges[j]] })
	return edges
}

// Roots returns the nodes without an incoming edge, in insertion order.
func (g *Graph) Roots() []string {
	indeg := g.indegrees()
	roots := []string{}
	for _, n := range g.Nodes {
		if indeg[n] == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Sort returns the nodes in topological order. Among nodes whose predecessors are all placed,
// the earliest inserted comes first, so the order is deterministic.
func (g *Graph) Sort() ([]string, error) {
	indeg := g.indegrees()
	ready := g.Roots()
	ret := make([]string, 0, len(g.Nodes))

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.byLabel[ready[i]] < g.byLabel[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		ret = append(ret, n)

		for _, m := range g.Edges(n) {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}

	if len(ret) != len(g.Nodes) {
		return nil, fmt.Errorf("graph has a cycle through %d nodes", len(g.Nodes)-len(ret))
	}

	return ret, nil
}

func (g *Graph) indegrees() map[string]int {
	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		for m := range g.edges[n] {
			indeg[m]++
		}
	}
	return indeg
}
