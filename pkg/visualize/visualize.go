// Package visualize renders propagation graphs as diagrams.
package visualize

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/bradleyayers/rails/internal/dag"
	"github.com/bradleyayers/rails/pkg/ivm"
)

// Graph is a flattened view of the propagation graph reachable from a set of roots.
type Graph struct {
	Title string
	Nodes []Node
	Edges []Edge

	dag *dag.Graph
}

// Node is a graph node with a unique id.
type Node struct {
	ID   string
	Name string
	Kind ivm.NodeKind
}

// Edge connects two nodes by id.
type Edge struct {
	From, To string
}

// BuildGraph walks the graph from the given roots, usually sources. Nodes reachable on
// several paths appear once.
func BuildGraph(title string, roots ...ivm.GraphNode) *Graph {
	g := &Graph{Title: title, dag: dag.New()}
	ids := map[ivm.GraphNode]string{}

	var visit func(n ivm.GraphNode) string
	visit = func(n ivm.GraphNode) string {
		if id, ok := ids[n]; ok {
			return id
		}
		id := fmt.Sprintf("n%d", len(ids))
		ids[n] = id
		g.Nodes = append(g.Nodes, Node{ID: id, Name: n.Name(), Kind: n.Kind()})
		g.dag.AddNode(id)

		for _, d := range n.Downstream() {
			to := visit(d)
			g.Edges = append(g.Edges, Edge{From: id, To: to})
			g.dag.AddEdge(id, to)
		}
		return id
	}

	for _, r := range roots {
		visit(r)
	}

	return g
}

// Sources returns the nodes of kind source.
func (g *Graph) Sources() []Node {
	ret := []Node{}
	for _, n := range g.Nodes {
		if n.Kind == ivm.NodeSource {
			ret = append(ret, n)
		}
	}
	return ret
}

// IsTerminal checks if a node has no outgoing edges.
func (g *Graph) IsTerminal(id string) bool {
	return len(g.index().Edges(id)) == 0
}

// Order returns the nodes in topological order: every node comes after its upstream nodes.
func (g *Graph) Order() ([]Node, error) {
	ids, err := g.index().Sort()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}

	ret := make([]Node, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, byID[id])
	}
	return ret, nil
}

// index returns the adjacency of the graph, building it for graphs assembled by hand.
func (g *Graph) index() *dag.Graph {
	if g.dag != nil {
		return g.dag
	}
	d := dag.New()
	for _, n := range g.Nodes {
		d.AddNode(n.ID)
	}
	for _, e := range g.Edges {
		d.AddEdge(e.From, e.To)
	}
	return d
}

// nodeStyle is the look of a node kind. Graphviz takes the shape by name, Mermaid needs one of
// the dot.MermaidShape values and CSS in the style attribute.
type nodeStyle struct {
	shape, style, fill, color string
	mermaidShape              any
	mermaidStyle              string
}

var nodeStyles = map[ivm.NodeKind]nodeStyle{
	ivm.NodeSource: {shape: "ellipse", style: "filled", fill: "lightgreen",
		mermaidShape: dot.MermaidShapeStadium, mermaidStyle: "fill:lightgreen"},
	ivm.NodeOperator: {shape: "box", style: "filled,rounded", fill: "lightblue", color: "darkblue",
		mermaidShape: dot.MermaidShapeRound, mermaidStyle: "fill:lightblue,stroke:darkblue"},
	ivm.NodeView: {shape: "box", style: "filled,rounded", fill: "lightcyan",
		mermaidShape: dot.MermaidShapeSubroutine, mermaidStyle: "fill:lightcyan"},
	ivm.NodeEffect: {shape: "ellipse", style: "filled", fill: "lightyellow",
		mermaidShape: dot.MermaidShapeAsymmetric, mermaidStyle: "fill:lightyellow"},
}

var plainStyle = nodeStyle{shape: "plaintext", mermaidShape: dot.MermaidShapeRound}

// BuildDotGraph creates a Graphviz dot.Graph from the visualization graph.
func BuildDotGraph(g *Graph) *dot.Graph {
	return buildGraph(g, false)
}

// BuildMermaidGraph creates a dot.Graph with Mermaid node shapes, ready for
// dot.MermaidFlowchart.
func BuildMermaidGraph(g *Graph) *dot.Graph {
	return buildGraph(g, true)
}

func buildGraph(g *Graph, mermaid bool) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("newrank", "true")
	graph.Attr("label", g.Title)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	// lay out upstream nodes first, fall back to discovery order for cyclic graphs
	order, err := g.Order()
	if err != nil {
		order = g.Nodes
	}

	nodes := make(map[string]dot.Node, len(g.Nodes))
	for _, n := range order {
		node := graph.Node(n.ID).Attr("label", n.Name)

		st, ok := nodeStyles[n.Kind]
		if !ok {
			st = plainStyle
		}

		if mermaid {
			node.Attr("shape", st.mermaidShape)
			if st.mermaidStyle != "" {
				node.Attr("style", st.mermaidStyle)
			}
		} else {
			node.Attr("fontname", "helvetica").Attr("shape", st.shape)
			if st.style != "" {
				node.Attr("style", st.style).Attr("fillcolor", st.fill)
			}
			if st.color != "" {
				node.Attr("color", st.color)
			}
		}

		nodes[n.ID] = node
	}

	for _, e := range g.Edges {
		edge := graph.Edge(nodes[e.From], nodes[e.To])
		if !mermaid {
			edge.Attr("fontname", "helvetica").Attr("fontsize", "10")
		}
	}

	return graph
}
