// Package lineage answers read-only lineage queries over a tree.Graph:
// ancestor paths, most recent common ancestors, subtrees and coordinate
// range searches. Results are cheap to compute and are not cached.
package lineage

import (
	"errors"

	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/tree"
)

var (
	// ErrEmptySet is returned by MRCA when no nodes are given.
	ErrEmptySet = errors.New("lineage: empty node set")
	// ErrNoCommonAncestor is returned by MRCA when the nodes share no
	// ancestor at or below the requested root.
	ErrNoCommonAncestor = errors.New("lineage: no common ancestor")
)

func checkNode(g *tree.Graph, id int) error {
	if !g.Contains(id) {
		return &lineagecache.NotFoundError{Node: id, Size: g.Len()}
	}
	return nil
}

// Ancestors returns the path from node up to and including the graph root,
// starting with node itself.
func Ancestors(g *tree.Graph, node int) ([]tree.Point, error) {
	if err := checkNode(g, node); err != nil {
		return nil, err
	}
	var path []tree.Point
	for id := node; id != -1; id = g.Parent(id) {
		path = append(path, g.Point(id))
	}
	return path, nil
}

// pathTo returns the ids from node upward, stopping after root. If root is
// not an ancestor of node the walk ends at the graph root instead.
func pathTo(g *tree.Graph, node, root int) []int {
	var ids []int
	for id := node; id != -1; id = g.Parent(id) {
		ids = append(ids, id)
		if id == root {
			break
		}
	}
	return ids
}

// MRCA returns the most recent common ancestor of nodes, considering only
// ancestors up to root. A single node is its own MRCA.
func MRCA(g *tree.Graph, root int, nodes []int) (tree.Point, error) {
	if len(nodes) == 0 {
		return tree.Point{}, ErrEmptySet
	}
	if err := checkNode(g, root); err != nil {
		return tree.Point{}, err
	}
	for _, id := range nodes {
		if err := checkNode(g, id); err != nil {
			return tree.Point{}, err
		}
	}

	first := pathTo(g, nodes[0], root)
	others := make([]map[int]struct{}, 0, len(nodes)-1)
	for _, id := range nodes[1:] {
		ids := pathTo(g, id, root)
		set := make(map[int]struct{}, len(ids))
		for _, a := range ids {
			set[a] = struct{}{}
		}
		others = append(others, set)
	}

	for _, candidate := range first {
		shared := true
		for _, set := range others {
			if _, ok := set[candidate]; !ok {
				shared = false
				break
			}
		}
		if shared {
			return g.Point(candidate), nil
		}
	}
	return tree.Point{}, ErrNoCommonAncestor
}

// walk visits node and its descendants in pre-order, children in id order.
func walk(g *tree.Graph, node int, visit func(id int)) {
	stack := []int{node}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(id)
		if g.IsTip(id) {
			continue
		}
		children := g.Children(id)
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}

// Subtree returns node and all of its descendants in pre-order.
func Subtree(g *tree.Graph, node int) ([]tree.Point, error) {
	if err := checkNode(g, node); err != nil {
		return nil, err
	}
	var points []tree.Point
	walk(g, node, func(id int) {
		points = append(points, g.Point(id))
	})
	return points, nil
}

// Criteria bounds a search. A nil bound places no constraint on that side.
// All bounds are inclusive.
type Criteria struct {
	MinX     *float64 `json:"min_x,omitempty"`
	MaxX     *float64 `json:"max_x,omitempty"`
	MinY     *float64 `json:"min_y,omitempty"`
	MaxY     *float64 `json:"max_y,omitempty"`
	TipsOnly bool     `json:"tips_only,omitempty"`
}

// Match reports whether p satisfies the coordinate bounds.
func (c Criteria) Match(p tree.Point) bool {
	switch {
	case c.MinX != nil && p.X < *c.MinX:
		return false
	case c.MaxX != nil && p.X > *c.MaxX:
		return false
	case c.MinY != nil && p.Y < *c.MinY:
		return false
	case c.MaxY != nil && p.Y > *c.MaxY:
		return false
	}
	return true
}

// Search returns the nodes in the subtree of root that satisfy c, in
// pre-order.
func Search(g *tree.Graph, root int, c Criteria) ([]tree.Point, error) {
	if err := checkNode(g, root); err != nil {
		return nil, err
	}
	points := make([]tree.Point, 0)
	walk(g, root, func(id int) {
		if c.TipsOnly && !g.IsTip(id) {
			return
		}
		if p := g.Point(id); c.Match(p) {
			points = append(points, p)
		}
	})
	return points, nil
}
