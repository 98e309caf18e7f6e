// Package dataset defines the collaborators the caches load datasets and
// parse trees through, with file-backed defaults for Newick and tabular data.
package dataset

import (
	"context"
	"time"

	"github.com/wolfeidau/lineage-cache/tree"
)

// Format identifies how a dataset is encoded on disk.
type Format string

const (
	FormatNewick Format = "newick"
	FormatCSV    Format = "csv"
	FormatTSV    Format = "tsv"
)

// Handle is a loaded dataset.
type Handle interface {
	Format() Format
	Path() string
	SizeBytes() int64
}

// Loader loads datasets and reports their modification time.
type Loader interface {
	// Load reads the dataset at path. The returned time is the modification
	// time of the data that was read.
	Load(ctx context.Context, path string) (Handle, time.Time, error)
	// ModTime returns the current modification time of path without loading it.
	ModTime(ctx context.Context, path string) (time.Time, error)
}

// ConfigDeriver computes the configuration map for a loaded dataset.
type ConfigDeriver func(h Handle, path string) (map[string]any, error)

// Parser materialises one tree of a dataset as a laid-out graph.
type Parser interface {
	Parse(ctx context.Context, h Handle, index int) (*tree.Graph, error)
}
