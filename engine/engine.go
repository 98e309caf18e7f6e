// Package engine wires the caches together behind the operations the API
// serves: resolving datasets and trees, pruning sessions to the viewport,
// lineage queries and bucket listings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/lineage-cache/accel"
	"github.com/wolfeidau/lineage-cache/backend"
	"github.com/wolfeidau/lineage-cache/dataset"
	"github.com/wolfeidau/lineage-cache/filecontext"
	"github.com/wolfeidau/lineage-cache/lineage"
	"github.com/wolfeidau/lineage-cache/listing"
	"github.com/wolfeidau/lineage-cache/lock"
	"github.com/wolfeidau/lineage-cache/remote"
	"github.com/wolfeidau/lineage-cache/session"
	"github.com/wolfeidau/lineage-cache/telemetry"
	"github.com/wolfeidau/lineage-cache/tree"
)

var (
	// ErrSessionRequired is returned when a tree operation has no session id.
	ErrSessionRequired = errors.New("engine: session id is required")

	// ErrRemoteDisabled is returned by remote operations when no storage
	// client is configured.
	ErrRemoteDisabled = errors.New("engine: remote storage is not configured")

	// ErrNotTable is returned when column values are requested from a tree dataset.
	ErrNotTable = errors.New("engine: dataset is not a table")

	// ErrOutsideDataDir is returned for local dataset paths that resolve
	// outside the configured data directory.
	ErrOutsideDataDir = errors.New("engine: dataset path is outside the data directory")
)

// Config configures an Engine. Zero values take each component's default.
type Config struct {
	// DataDir confines local dataset paths. Relative paths resolve against
	// it and paths that escape it are rejected. Empty allows any path.
	DataDir string

	// CacheDir holds accelerator artifacts, lock files and stored listings.
	// Required when Remote is set.
	CacheDir string

	// Remote is the object storage client. Nil disables remote datasets
	// and listings.
	Remote remote.Client

	// Loader overrides the dataset loader. The default reads local files
	// and fetches remote paths through the accelerator.
	Loader dataset.Loader

	// Parser overrides the tree parser (default: dataset.NewickParser).
	Parser dataset.Parser

	FileContexts     int
	MetadataCapacity int
	LoadTimeout      time.Duration
	MaxDatasetBytes  int64

	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxGraphsPerSession    int
	ParseTimeout           time.Duration

	ListingTTL     time.Duration
	ListingTimeout time.Duration

	AccelMaxBytes  int64
	FetchTimeout   time.Duration
	LockTimeout    time.Duration
	LockStaleAfter time.Duration

	Logger *slog.Logger
}

// Engine owns the process-wide caches.
type Engine struct {
	files     *filecontext.Cache
	sessions  *session.Cache
	listings  *listing.Cache
	snapshots *listing.BoltStore
	accel     *accel.Accelerator
	parser    dataset.Parser
	dataDir   string
	logger    *slog.Logger
}

// New builds every cache. Close releases them.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parser == nil {
		cfg.Parser = dataset.NewickParser{}
	}

	e := &Engine{
		parser: cfg.Parser,
		logger: cfg.Logger,
	}

	if cfg.DataDir != "" {
		dir, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("resolving data dir: %w", err)
		}
		e.dataDir = dir
	}

	if cfg.Remote != nil {
		if err := e.openRemote(ctx, cfg); err != nil {
			_ = e.Close()
			return nil, err
		}
	}

	loader := cfg.Loader
	if loader == nil {
		opts := []dataset.LoaderOption{
			dataset.WithLogger(cfg.Logger.With("component", "dataset")),
			dataset.WithMaxBytes(cfg.MaxDatasetBytes),
		}
		if e.accel != nil {
			opts = append(opts, dataset.WithFetcher(e.accel))
		}
		loader = dataset.NewFileLoader(opts...)
	}

	files, err := filecontext.New(filecontext.Config{
		Capacity:         cfg.FileContexts,
		MetadataCapacity: cfg.MetadataCapacity,
		Loader:           loader,
		LoadTimeout:      cfg.LoadTimeout,
		Logger:           cfg.Logger.With("component", "filecontext"),
	})
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("creating file context cache: %w", err)
	}
	e.files = files

	e.sessions = session.New(session.Config{
		TTL:                 cfg.SessionTTL,
		CleanupInterval:     cfg.SessionCleanupInterval,
		MaxGraphsPerSession: cfg.MaxGraphsPerSession,
		ParseTimeout:        cfg.ParseTimeout,
		Logger:              cfg.Logger.With("component", "session"),
	})

	return e, nil
}

// openRemote builds the accelerator and listing cache under cfg.CacheDir.
func (e *Engine) openRemote(ctx context.Context, cfg Config) error {
	if cfg.CacheDir == "" {
		return errors.New("engine: cache dir is required with remote storage")
	}

	fs, err := backend.NewFilesystem(filepath.Join(cfg.CacheDir, "accel"))
	if err != nil {
		return fmt.Errorf("creating accelerator backend: %w", err)
	}

	locker, err := lock.NewFileLocker(lock.Config{
		Dir:            filepath.Join(cfg.CacheDir, "locks"),
		AcquireTimeout: cfg.LockTimeout,
		StaleAfter:     cfg.LockStaleAfter,
		Logger:         cfg.Logger.With("component", "lock"),
	})
	if err != nil {
		return fmt.Errorf("creating locker: %w", err)
	}

	a, err := accel.New(ctx, accel.Config{
		Backend:      backend.NewInstrumentedBackend(fs, "accel"),
		Client:       cfg.Remote,
		Locker:       locker,
		MaxBytes:     cfg.AccelMaxBytes,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       cfg.Logger.With("component", "accel"),
	})
	if err != nil {
		return fmt.Errorf("creating accelerator: %w", err)
	}
	e.accel = a

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	store, err := listing.OpenBoltStore(filepath.Join(cfg.CacheDir, "listings.db"),
		listing.WithStoreLogger(cfg.Logger.With("component", "listing")))
	if err != nil {
		return err
	}
	e.snapshots = store

	listings, err := listing.New(cfg.Remote, listing.Config{
		TTL:          cfg.ListingTTL,
		FetchTimeout: cfg.ListingTimeout,
		Store:        store,
		Logger:       cfg.Logger.With("component", "listing"),
	})
	if err != nil {
		return err
	}
	e.listings = listings
	return nil
}

// Start runs background maintenance until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.sessions.Start(ctx)
}

// Close stops background work and closes the stored listings.
func (e *Engine) Close() error {
	if e.sessions != nil {
		e.sessions.Stop()
	}
	if e.snapshots != nil {
		err := e.snapshots.Close()
		e.snapshots = nil
		return err
	}
	return nil
}

// ResolveFile returns the loaded context for a dataset path, loading it on
// a miss or when the file changed.
func (e *Engine) ResolveFile(ctx context.Context, path string) (*filecontext.FileContext, error) {
	path, err := e.confine(path)
	if err != nil {
		return nil, err
	}
	return e.files.GetOrLoad(ctx, path)
}

// confine resolves a local dataset path against the data directory. Remote
// paths pass through unchanged.
func (e *Engine) confine(path string) (string, error) {
	if e.dataDir == "" || path == "" || dataset.IsRemote(path) {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.dataDir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(e.dataDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDataDir, path)
	}
	return path, nil
}

// DatasetConfig returns the derived config of a dataset.
func (e *Engine) DatasetConfig(ctx context.Context, path string) (map[string]any, error) {
	fc, err := e.ResolveFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return fc.Config, nil
}

// ResolveTree returns the graph of tree index in the dataset, cached in the
// session. A replaced dataset file yields a new dataset key, which clears
// the session's graphs of the old file.
func (e *Engine) ResolveTree(ctx context.Context, sessionID, datasetPath string, index int) (*tree.Graph, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	fc, err := e.ResolveFile(ctx, datasetPath)
	if err != nil {
		return nil, err
	}
	key := datasetKey(fc)
	return e.sessions.GetOrParse(ctx, sessionID, key, index, func(ctx context.Context) (*tree.Graph, error) {
		return e.parser.Parse(ctx, fc.Handle, index)
	})
}

// datasetKey identifies one version of a dataset file.
func datasetKey(fc *filecontext.FileContext) string {
	return fmt.Sprintf("%s@%d", fc.Path, fc.ModTime.UnixNano())
}

// PruneViewport drops the session's graphs whose indices are not visible.
func (e *Engine) PruneViewport(sessionID string, visible []int) int {
	return e.sessions.EvictNotVisible(sessionID, visible)
}

// ClearSession drops every graph of the session.
func (e *Engine) ClearSession(sessionID string) int {
	return e.sessions.ClearSession(sessionID)
}

// QueryAncestors returns node and its ancestors up to the root.
func (e *Engine) QueryAncestors(ctx context.Context, sessionID, datasetPath string, index, node int) ([]tree.Point, error) {
	g, err := e.ResolveTree(ctx, sessionID, datasetPath, index)
	if err != nil {
		return nil, err
	}
	return lineage.Ancestors(g, node)
}

// QueryMRCA returns the most recent common ancestor of nodes.
func (e *Engine) QueryMRCA(ctx context.Context, sessionID, datasetPath string, index int, nodes []int) (tree.Point, error) {
	g, err := e.ResolveTree(ctx, sessionID, datasetPath, index)
	if err != nil {
		return tree.Point{}, err
	}
	return lineage.MRCA(g, g.Root(), nodes)
}

// QuerySubtree returns node and all of its descendants.
func (e *Engine) QuerySubtree(ctx context.Context, sessionID, datasetPath string, index, node int) ([]tree.Point, error) {
	g, err := e.ResolveTree(ctx, sessionID, datasetPath, index)
	if err != nil {
		return nil, err
	}
	return lineage.Subtree(g, node)
}

// QuerySearch returns the nodes under root matching c. A negative root
// searches the whole tree.
func (e *Engine) QuerySearch(ctx context.Context, sessionID, datasetPath string, index, root int, c lineage.Criteria) ([]tree.Point, error) {
	g, err := e.ResolveTree(ctx, sessionID, datasetPath, index)
	if err != nil {
		return nil, err
	}
	if root < 0 {
		root = g.Root()
	}
	return lineage.Search(g, root, c)
}

// Listing returns the cached listing of bucket under prefix.
func (e *Engine) Listing(ctx context.Context, bucket, prefix string) (*listing.Snapshot, error) {
	if e.listings == nil {
		return nil, ErrRemoteDisabled
	}
	return e.listings.Get(ctx, bucket, prefix)
}

// ColumnValues returns one column of a tabular dataset. Extracts are cached
// with the dataset's context and dropped with it.
func (e *Engine) ColumnValues(ctx context.Context, path, column string) ([]string, error) {
	fc, err := e.ResolveFile(ctx, path)
	if err != nil {
		return nil, err
	}

	key := "column:" + column
	if v, ok := fc.Metadata(key); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMetadata, telemetry.CacheHit)
		return v.([]string), nil
	}
	telemetry.RecordCacheLookup(ctx, telemetry.CacheMetadata, telemetry.CacheMiss)

	table, ok := fc.Handle.(*dataset.Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %s", ErrNotTable, fc.Path, fc.Handle.Format())
	}
	values, err := table.Column(column)
	if err != nil {
		return nil, err
	}
	fc.SetMetadata(key, values)
	return values, nil
}

// Stats is a snapshot of cache occupancy.
type Stats struct {
	FileContexts int      `json:"file_contexts"`
	Datasets     []string `json:"datasets"`
	Sessions     int      `json:"sessions"`
	Graphs       int      `json:"graphs"`
	Listings     int      `json:"listings"`
	AccelBytes   int64    `json:"accel_bytes"`
	AccelEntries int      `json:"accel_entries"`
}

// Stats reports the current occupancy of every cache.
func (e *Engine) Stats(ctx context.Context) Stats {
	s := Stats{
		FileContexts: e.files.Len(),
		Datasets:     e.files.Paths(),
	}
	s.Sessions, s.Graphs = e.sessions.Stats()
	telemetry.UpdateSessionState(ctx, s.Sessions, s.Graphs)
	if e.listings != nil {
		s.Listings = e.listings.Len()
	}
	if e.accel != nil {
		s.AccelBytes, s.AccelEntries = e.accel.Usage()
	}
	return s
}
