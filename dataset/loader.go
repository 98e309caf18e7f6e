package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/lineage-cache/tree"
)

// RemoteScheme prefixes dataset paths that live in remote storage. The rest
// of the path is the remote key, "bucket/object".
const RemoteScheme = "remote://"

var (
	// ErrUnsupportedFormat is returned for files with an unrecognised extension.
	ErrUnsupportedFormat = errors.New("dataset: unsupported format")
	// ErrEmptyDataset is returned for files with no trees or no header row.
	ErrEmptyDataset = errors.New("dataset: no data")
	// ErrTooLarge is returned when a file exceeds the loader's size limit.
	ErrTooLarge = errors.New("dataset: file too large")
	// ErrNoFetcher is returned for remote paths when no fetcher is configured.
	ErrNoFetcher = errors.New("dataset: remote paths need a fetcher")
)

// Fetcher materialises a remote object as a local file.
type Fetcher interface {
	FetchWithCache(ctx context.Context, remoteKey string) (string, error)
}

// IsRemote reports whether path refers to remote storage.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, RemoteScheme)
}

// CanonicalPath returns the cache key for a dataset path: the absolute,
// cleaned path for local files, or the path unchanged for remote ones.
func CanonicalPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("dataset: empty path")
	}
	if IsRemote(path) {
		key := strings.TrimPrefix(path, RemoteScheme)
		if key == "" || !strings.Contains(key, "/") {
			return "", fmt.Errorf("dataset: remote path %q must be %sbucket/object", path, RemoteScheme)
		}
		return path, nil
	}
	return filepath.Abs(path)
}

// DetectFormat infers the format from the file name. A trailing ".zst" marks
// a zstd-compressed file and is ignored for detection.
func DetectFormat(path string) (Format, bool, error) {
	name := strings.ToLower(path)
	compressed := strings.HasSuffix(name, ".zst")
	name = strings.TrimSuffix(name, ".zst")

	switch filepath.Ext(name) {
	case ".nwk", ".newick", ".tree", ".trees", ".tre":
		return FormatNewick, compressed, nil
	case ".csv":
		return FormatCSV, compressed, nil
	case ".tsv":
		return FormatTSV, compressed, nil
	}
	return "", false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

// FileLoader loads datasets from the local filesystem, fetching remote paths
// through a Fetcher first.
type FileLoader struct {
	fetcher  Fetcher
	maxBytes int64
	logger   *slog.Logger
}

// LoaderOption configures a FileLoader.
type LoaderOption func(*FileLoader)

// WithFetcher sets the fetcher used for remote paths.
func WithFetcher(f Fetcher) LoaderOption {
	return func(l *FileLoader) {
		l.fetcher = f
	}
}

// WithMaxBytes rejects files larger than n bytes. Zero means no limit.
func WithMaxBytes(n int64) LoaderOption {
	return func(l *FileLoader) {
		l.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *FileLoader) {
		l.logger = logger
	}
}

// NewFileLoader creates a file loader.
func NewFileLoader(opts ...LoaderOption) *FileLoader {
	l := &FileLoader{logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *FileLoader) localPath(ctx context.Context, path string) (string, error) {
	if !IsRemote(path) {
		return path, nil
	}
	if l.fetcher == nil {
		return "", ErrNoFetcher
	}
	local, err := l.fetcher.FetchWithCache(ctx, strings.TrimPrefix(path, RemoteScheme))
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", path, err)
	}
	return local, nil
}

// ModTime implements Loader.
func (l *FileLoader) ModTime(ctx context.Context, path string) (time.Time, error) {
	local, err := l.localPath(ctx, path)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(local)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Load implements Loader.
func (l *FileLoader) Load(ctx context.Context, path string) (Handle, time.Time, error) {
	format, compressed, err := DetectFormat(path)
	if err != nil {
		return nil, time.Time{}, err
	}

	local, err := l.localPath(ctx, path)
	if err != nil {
		return nil, time.Time{}, err
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	if info.IsDir() {
		return nil, time.Time{}, fmt.Errorf("dataset: %s is a directory", path)
	}
	if l.maxBytes > 0 && info.Size() > l.maxBytes {
		return nil, time.Time{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, info.Size(), l.maxBytes)
	}

	var r io.Reader = f
	if compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var h Handle
	switch format {
	case FormatNewick:
		h, err = readTreeSet(r, path, info.Size())
	default:
		h, err = readTable(r, path, info.Size(), format)
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	l.logger.Debug("dataset loaded",
		"path", path,
		"format", format,
		"size_bytes", info.Size(),
		"compressed", compressed,
	)

	return h, info.ModTime(), nil
}

func readTreeSet(r io.Reader, path string, size int64) (*TreeSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading trees: %w", err)
	}
	trees := tree.SplitNewick(string(data))
	if len(trees) == 0 {
		return nil, fmt.Errorf("%w: no trees in %s", ErrEmptyDataset, filepath.Base(path))
	}
	return NewTreeSet(path, size, trees), nil
}

func readTable(r io.Reader, path string, size int64, format Format) (*Table, error) {
	cr := csv.NewReader(r)
	if format == FormatTSV {
		cr.Comma = '\t'
		cr.LazyQuotes = true
	}
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s rows: %w", format, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no header in %s", ErrEmptyDataset, filepath.Base(path))
	}
	return NewTable(path, size, format, records[0], records[1:]), nil
}
