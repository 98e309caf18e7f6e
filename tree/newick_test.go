package tree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNewick_Layout(t *testing.T) {
	g, err := ParseNewick("((A:1,B:1)C:1,D:2)R;")
	require.NoError(t, err)

	require.Equal(t, 5, g.Len())
	require.Equal(t, 0, g.Root())
	require.Equal(t, "R", g.Label(0))
	require.Equal(t, "C", g.Label(1))
	require.Equal(t, "A", g.Label(2))
	require.Equal(t, "D", g.Label(4))
	require.Equal(t, []int{1, 4}, g.Children(0))
	require.Equal(t, []int{2, 3}, g.Children(1))

	// Tips A, B, D are spread evenly.
	require.InDelta(t, 0.0, g.X(2), 1e-9)
	require.InDelta(t, 0.5, g.X(3), 1e-9)
	require.InDelta(t, 1.0, g.X(4), 1e-9)
	require.InDelta(t, 0.25, g.X(1), 1e-9)
	require.InDelta(t, 0.625, g.X(0), 1e-9)

	require.InDelta(t, 0.0, g.Y(0), 1e-9)
	require.InDelta(t, 0.5, g.Y(1), 1e-9)
	require.InDelta(t, 1.0, g.Y(2), 1e-9)
	require.InDelta(t, 1.0, g.Y(4), 1e-9)
	require.InDelta(t, 1.0, g.BranchLength(1), 1e-9)
}

func TestParseNewick_NoLengthsUsesDepth(t *testing.T) {
	g, err := ParseNewick("(A,(B,C));")
	require.NoError(t, err)

	require.InDelta(t, 0.5, g.Y(1), 1e-9) // A
	require.InDelta(t, 0.5, g.Y(2), 1e-9) // (B,C)
	require.InDelta(t, 1.0, g.Y(3), 1e-9) // B
}

func TestParseNewick_QuotedLabelsAndComments(t *testing.T) {
	g, err := ParseNewick("('it''s;here':1[&note=x],Homo_sapiens:2) ;")
	require.NoError(t, err)
	require.Equal(t, "it's;here", g.Label(1))
	require.Equal(t, "Homo sapiens", g.Label(2))
}

func TestParseNewick_Errors(t *testing.T) {
	for _, text := range []string{
		"",
		"(A,B",
		"(A:x,B);",
		"(A,B);extra",
		"('open,B);",
	} {
		_, err := ParseNewick(text)
		require.ErrorIs(t, err, ErrSyntax, text)
	}
}

func TestParseNewick_DepthLimit(t *testing.T) {
	nested := func(depth int) string {
		return strings.Repeat("(", depth) + "A" + strings.Repeat(")", depth) + ";"
	}

	g, err := ParseNewick(nested(MaxNewickDepth))
	require.NoError(t, err)
	require.Equal(t, MaxNewickDepth+1, g.Len())

	_, err = ParseNewick(nested(MaxNewickDepth + 1))
	require.ErrorIs(t, err, ErrSyntax)

	// Far past the limit, and unterminated, still fails cleanly.
	_, err = ParseNewick(strings.Repeat("(", 1_000_000))
	require.ErrorIs(t, err, ErrSyntax)
}

func TestSplitNewick(t *testing.T) {
	doc := "(A,B);\n('x;y',C);\n[comment;] (D,E);\n\n"
	trees := SplitNewick(doc)
	require.Equal(t, []string{"(A,B);", "('x;y',C);", "[comment;] (D,E);"}, trees)
}
