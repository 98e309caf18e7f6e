package dataset

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownColumn is returned by Table.Column for a missing column.
var ErrUnknownColumn = errors.New("dataset: unknown column")

// TreeSet is a dataset of Newick trees, one string per tree.
type TreeSet struct {
	path  string
	size  int64
	Trees []string
}

// NewTreeSet creates a tree set handle.
func NewTreeSet(path string, size int64, trees []string) *TreeSet {
	return &TreeSet{path: path, size: size, Trees: trees}
}

func (t *TreeSet) Format() Format   { return FormatNewick }
func (t *TreeSet) Path() string     { return t.path }
func (t *TreeSet) SizeBytes() int64 { return t.size }

// Len returns the number of trees.
func (t *TreeSet) Len() int { return len(t.Trees) }

// Table is a delimited dataset with a header row.
type Table struct {
	path    string
	size    int64
	format  Format
	Columns []string
	Rows    [][]string
}

// NewTable creates a table handle.
func NewTable(path string, size int64, format Format, columns []string, rows [][]string) *Table {
	return &Table{path: path, size: size, format: format, Columns: columns, Rows: rows}
}

func (t *Table) Format() Format   { return t.format }
func (t *Table) Path() string     { return t.path }
func (t *Table) SizeBytes() int64 { return t.size }

// Column returns every row's value for the named column. Short rows yield
// empty strings.
func (t *Table) Column(name string) ([]string, error) {
	idx := slices.Index(t.Columns, name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	values := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		if idx < len(row) {
			values[i] = row[idx]
		}
	}
	return values, nil
}
