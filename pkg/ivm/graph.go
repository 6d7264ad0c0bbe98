package ivm

import "fmt"

// NodeKind classifies the nodes of a propagation graph for rendering.
type NodeKind string

const (
	NodeSource   NodeKind = "source"
	NodeOperator NodeKind = "operator"
	NodeView     NodeKind = "view"
	NodeEffect   NodeKind = "effect"
	NodeListener NodeKind = "listener"
)

// GraphNode is a node of the propagation graph that knows its downstream neighbors.
type GraphNode interface {
	Name() string
	Kind() NodeKind
	Downstream() []GraphNode
}

// opaqueNode stands for a listener that does not describe itself.
type opaqueNode struct {
	name string
}

func (n opaqueNode) Name() string            { return n.name }
func (n opaqueNode) Kind() NodeKind          { return NodeListener }
func (n opaqueNode) Downstream() []GraphNode { return nil }

func newOpaqueNode(stream string, id uint64) GraphNode {
	return opaqueNode{name: fmt.Sprintf("%s/listener-%d", stream, id)}
}
