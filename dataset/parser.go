package dataset

import (
	"context"
	"errors"
	"fmt"

	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/tree"
)

var (
	// ErrIndexRange is returned when a tree index is outside the dataset.
	ErrIndexRange = errors.New("dataset: tree index out of range")
	// ErrNotTrees is returned when parsing a tree from a tabular dataset.
	ErrNotTrees = errors.New("dataset: dataset holds no trees")
)

// NewickParser parses trees from a TreeSet.
type NewickParser struct{}

// Parse implements Parser. Every failure is a *lineagecache.ParseError.
func (NewickParser) Parse(ctx context.Context, h Handle, index int) (*tree.Graph, error) {
	fail := func(err error) (*tree.Graph, error) {
		return nil, &lineagecache.ParseError{Path: h.Path(), Index: index, Err: err}
	}

	ts, ok := h.(*TreeSet)
	if !ok {
		return fail(fmt.Errorf("%w: format %s", ErrNotTrees, h.Format()))
	}
	if index < 0 || index >= ts.Len() {
		return fail(fmt.Errorf("%w: %d not in [0, %d)", ErrIndexRange, index, ts.Len()))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := tree.ParseNewick(ts.Trees[index])
	if err != nil {
		return fail(err)
	}
	return g, nil
}
