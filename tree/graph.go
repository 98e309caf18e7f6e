// Package tree holds the immutable, laid-out tree graphs that lineage queries
// run against, plus a Newick reader that builds them.
package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned when a graph is built from zero nodes.
	ErrEmpty = errors.New("tree: graph has no nodes")
	// ErrRoot is returned when the node set does not have exactly one root.
	ErrRoot = errors.New("tree: graph must have exactly one root")
	// ErrParent is returned when a parent id is outside the node range.
	ErrParent = errors.New("tree: parent id out of range")
	// ErrCycle is returned when some nodes cannot be reached from the root.
	ErrCycle = errors.New("tree: graph contains a cycle")
)

// Node is the construction input for one graph node. X and Y may be in any
// unit; they are normalised to [0,1] when the graph is built.
type Node struct {
	Parent       int
	BranchLength float64
	X            float64
	Y            float64
	Label        string
}

// Point is a node id with its layout position.
type Point struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Graph is a parent-pointer tree with dense node ids 0..N-1. It is never
// mutated after New returns, so it can be shared between goroutines.
type Graph struct {
	parents  []int
	tips     []bool
	branches []float64
	xs       []float64
	ys       []float64
	labels   []string
	children [][]int
	root     int
}

// New validates nodes and builds a graph. Node i gets id i.
func New(nodes []Node) (*Graph, error) {
	n := len(nodes)
	if n == 0 {
		return nil, ErrEmpty
	}

	g := &Graph{
		parents:  make([]int, n),
		tips:     make([]bool, n),
		branches: make([]float64, n),
		xs:       make([]float64, n),
		ys:       make([]float64, n),
		labels:   make([]string, n),
		children: make([][]int, n),
		root:     -1,
	}

	for i, node := range nodes {
		switch {
		case node.Parent == -1:
			if g.root != -1 {
				return nil, fmt.Errorf("%w: nodes %d and %d", ErrRoot, g.root, i)
			}
			g.root = i
		case node.Parent < 0 || node.Parent >= n:
			return nil, fmt.Errorf("%w: node %d has parent %d", ErrParent, i, node.Parent)
		default:
			g.children[node.Parent] = append(g.children[node.Parent], i)
		}
		g.parents[i] = node.Parent
		g.branches[i] = node.BranchLength
		g.xs[i] = node.X
		g.ys[i] = node.Y
		g.labels[i] = node.Label
	}
	if g.root == -1 {
		return nil, ErrRoot
	}

	// Every node must be reachable from the root; anything left over sits on
	// a parent cycle.
	reached := 0
	stack := []int{g.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		reached++
		stack = append(stack, g.children[id]...)
	}
	if reached != n {
		return nil, fmt.Errorf("%w: %d of %d nodes unreachable from root", ErrCycle, n-reached, n)
	}

	for i := range g.children {
		g.tips[i] = len(g.children[i]) == 0
	}

	normalise(g.xs)
	normalise(g.ys)

	return g, nil
}

// normalise rescales values into [0,1]. A constant slice becomes all zeros.
func normalise(values []float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo
	for i, v := range values {
		if span == 0 {
			values[i] = 0
			continue
		}
		values[i] = (v - lo) / span
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.parents) }

// Root returns the root node id.
func (g *Graph) Root() int { return g.root }

// Contains reports whether id is a valid node id.
func (g *Graph) Contains(id int) bool { return id >= 0 && id < len(g.parents) }

// Parent returns the parent of id, or -1 for the root.
func (g *Graph) Parent(id int) int { return g.parents[id] }

// Children returns the children of id in ascending id order. The returned
// slice must not be modified.
func (g *Graph) Children(id int) []int { return g.children[id] }

// IsTip reports whether id has no children.
func (g *Graph) IsTip(id int) bool { return g.tips[id] }

// BranchLength returns the length of the edge from id to its parent.
func (g *Graph) BranchLength(id int) float64 { return g.branches[id] }

// Label returns the node's label, which may be empty.
func (g *Graph) Label(id int) string { return g.labels[id] }

// X returns the normalised layout coordinate of id.
func (g *Graph) X(id int) float64 { return g.xs[id] }

// Y returns the normalised time coordinate of id.
func (g *Graph) Y(id int) float64 { return g.ys[id] }

// Point returns id with its position.
func (g *Graph) Point(id int) Point {
	return Point{ID: id, X: g.xs[id], Y: g.ys[id]}
}

// Tips returns the number of tip nodes.
func (g *Graph) Tips() int {
	count := 0
	for _, tip := range g.tips {
		if tip {
			count++
		}
	}
	return count
}
