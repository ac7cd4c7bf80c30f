// Package dag holds the step graph of a saga definition. Steps are nodes and
// an edge from a to b means b may only be scheduled after a completed.
package dag

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	names map[string]int64
}

func New() *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		names:         make(map[string]int64),
	}
}

// Node is a named graph node carrying DOT attributes.
type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

// Name returns the step name of the node.
func (n *Node) Name() string {
	return n.name
}

// DOTID implements dot.Node so exported graphs use step names.
func (n *Node) DOTID() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// AddNamed adds a node called name with the given DOT attributes.
func (g *Graph) AddNamed(name string, attrs ...encoding.Attribute) (int64, error) {
	if _, exists := g.names[name]; exists {
		return 0, fmt.Errorf("node with name '%s' already exists", name)
	}

	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	for _, attr := range attrs {
		if err := n.SetAttribute(attr); err != nil {
			return 0, err
		}
	}

	g.DirectedGraph.AddNode(n)
	g.names[name] = n.ID()
	return n.ID(), nil
}

// Connect adds a dependency edge from -> to.
func (g *Graph) Connect(from, to int64) error {
	fromNode := g.Node(from)
	if fromNode == nil {
		return fmt.Errorf("node does not exist: %d", from)
	}
	toNode := g.Node(to)
	if toNode == nil {
		return fmt.Errorf("node does not exist: %d", to)
	}
	if from == to {
		return fmt.Errorf("self dependency on node %d", from)
	}

	g.SetEdge(simple.Edge{F: fromNode, T: toNode})
	return nil
}

// Lookup returns the node id for name.
func (g *Graph) Lookup(name string) (int64, bool) {
	id, ok := g.names[name]
	return id, ok
}

// Order returns node names in a stable topological order. Ties are broken by
// insertion order so the result never depends on map iteration.
func (g *Graph) Order() ([]string, error) {
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}

	names := make([]string, 0, len(sorted))
	for _, n := range sorted {
		names = append(names, n.(*Node).name)
	}
	return names, nil
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %v", err)
	}
	return string(data), nil
}
