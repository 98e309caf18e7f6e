package lineage

import (
	"testing"

	"github.com/stretchr/testify/require"
	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/tree"
)

// fourNodes builds parents [-1, 0, 0, 1]: node 1 and 2 under the root, node 3
// under node 1.
func fourNodes(t *testing.T) *tree.Graph {
	t.Helper()
	g, err := tree.New([]tree.Node{
		{Parent: -1, X: 0.5, Y: 0},
		{Parent: 0, X: 0, Y: 0.5},
		{Parent: 0, X: 1, Y: 1},
		{Parent: 1, X: 0.25, Y: 0.95},
	})
	require.NoError(t, err)
	return g
}

func ptr(v float64) *float64 { return &v }

func TestAncestors_StartToRoot(t *testing.T) {
	g := fourNodes(t)

	path, err := Ancestors(g, 3)
	require.NoError(t, err)

	require.Len(t, path, 3)
	ids := []int{path[0].ID, path[1].ID, path[2].ID}
	require.Equal(t, []int{3, 1, 0}, ids)
	for _, p := range path {
		require.Equal(t, g.X(p.ID), p.X)
		require.Equal(t, g.Y(p.ID), p.Y)
	}
}

func TestAncestors_Root(t *testing.T) {
	g := fourNodes(t)
	path, err := Ancestors(g, 0)
	require.NoError(t, err)
	require.Equal(t, []tree.Point{g.Point(0)}, path)
}

func TestAncestors_NotFound(t *testing.T) {
	g := fourNodes(t)

	for _, id := range []int{-1, 4, 100} {
		_, err := Ancestors(g, id)
		require.ErrorIs(t, err, lineagecache.ErrNotFound)

		var nf *lineagecache.NotFoundError
		require.ErrorAs(t, err, &nf)
		require.Equal(t, id, nf.Node)
		require.Equal(t, 4, nf.Size)
	}
}

func TestMRCA(t *testing.T) {
	g := fourNodes(t)

	p, err := MRCA(g, 0, []int{2, 3})
	require.NoError(t, err)
	require.Equal(t, 0, p.ID)

	p, err = MRCA(g, 0, []int{3, 1})
	require.NoError(t, err)
	require.Equal(t, 1, p.ID)

	p, err = MRCA(g, 0, []int{3})
	require.NoError(t, err)
	require.Equal(t, g.Point(3), p)
}

func TestMRCA_Errors(t *testing.T) {
	g := fourNodes(t)

	_, err := MRCA(g, 0, nil)
	require.ErrorIs(t, err, ErrEmptySet)

	_, err = MRCA(g, 0, []int{2, 9})
	require.ErrorIs(t, err, lineagecache.ErrNotFound)

	// Node 2 is not below node 1, so the paths never meet at or under it.
	_, err = MRCA(g, 1, []int{3, 2})
	require.ErrorIs(t, err, ErrNoCommonAncestor)
}

func TestSubtree(t *testing.T) {
	g := fourNodes(t)

	points, err := Subtree(g, 0)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 3, 2}, idsOf(points))

	points, err = Subtree(g, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, idsOf(points))

	points, err = Subtree(g, 2)
	require.NoError(t, err)
	require.Equal(t, []int{2}, idsOf(points))

	_, err = Subtree(g, 7)
	require.ErrorIs(t, err, lineagecache.ErrNotFound)
}

func TestSearch_MinY(t *testing.T) {
	g := fourNodes(t)

	points, err := Search(g, 0, Criteria{MinY: ptr(0.9)})
	require.NoError(t, err)

	var want []int
	for id := range g.Len() {
		if g.Y(id) >= 0.9 {
			want = append(want, id)
		}
	}
	require.ElementsMatch(t, want, idsOf(points))
	require.ElementsMatch(t, []int{3, 2}, idsOf(points))
}

func TestSearch_Bounds(t *testing.T) {
	g := fourNodes(t)

	points, err := Search(g, 0, Criteria{MinX: ptr(0), MaxX: ptr(0.5), MaxY: ptr(0.5)})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, idsOf(points))

	points, err = Search(g, 1, Criteria{})
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, idsOf(points))

	points, err = Search(g, 0, Criteria{TipsOnly: true})
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, idsOf(points))

	points, err = Search(g, 0, Criteria{MinY: ptr(2)})
	require.NoError(t, err)
	require.Empty(t, points)
	require.NotNil(t, points)
}

func idsOf(points []tree.Point) []int {
	ids := make([]int, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids
}
