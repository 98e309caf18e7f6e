// Package session caches parsed tree graphs per browser session. Each
// session holds graphs for one dataset, ordered by recency, and is dropped
// when idle past its TTL, explicitly cleared, or pruned empty.
package session

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/lineage-cache/download"
	"github.com/wolfeidau/lineage-cache/lru"
	"github.com/wolfeidau/lineage-cache/telemetry"
	"github.com/wolfeidau/lineage-cache/tree"
)

const (
	// DefaultTTL is how long an idle session keeps its graphs.
	DefaultTTL = 30 * time.Minute
	// DefaultCleanupInterval is the minimum time between TTL sweeps.
	DefaultCleanupInterval = time.Minute
)

// Config configures the cache.
type Config struct {
	// TTL is how long a session may sit idle before it is swept (default: 30m).
	TTL time.Duration

	// CleanupInterval rate limits sweeps (default: 1m).
	CleanupInterval time.Duration

	// MaxGraphsPerSession caps each session's graphs, evicting the least
	// recently used. Zero means no cap; viewport pruning bounds the session.
	MaxGraphsPerSession int

	// ParseTimeout bounds a single parse (default: no limit).
	ParseTimeout time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// ParseFunc builds the graph for a cache miss.
type ParseFunc func(ctx context.Context) (*tree.Graph, error)

type session struct {
	dataset    string
	graphs     *lru.Store[int, *tree.Graph]
	lastAccess time.Time
}

// Cache is a two-level table: session id to a recency-ordered map of tree
// index to graph. One mutex guards the whole table.
type Cache struct {
	ttl             time.Duration
	cleanupInterval time.Duration
	maxGraphs       int
	logger          *slog.Logger
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	// lastCleanup is read without mu for the sweep fast path and written
	// under it.
	lastCleanup atomic.Int64

	parses *download.Group[*tree.Graph]

	runMu   sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a session cache.
func New(cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		maxGraphs:       cfg.MaxGraphsPerSession,
		logger:          cfg.Logger,
		now:             time.Now,
		sessions:        make(map[string]*session),
		parses: download.New[*tree.Graph](
			download.WithLogger(cfg.Logger),
			download.WithTimeout(cfg.ParseTimeout),
		),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	c.lastCleanup.Store(c.now().UnixNano())
	return c
}

func (c *Cache) newSession(dataset string, now time.Time) *session {
	capacity := c.maxGraphs
	if capacity <= 0 {
		capacity = math.MaxInt
	}
	graphs, _ := lru.New[int, *tree.Graph](capacity, func(index int, _ *tree.Graph) {
		c.logger.Debug("session graph evicted", "tree_index", index)
		telemetry.RecordEviction(context.Background(), telemetry.CacheSession, telemetry.EvictCapacity, 1)
	})
	return &session{dataset: dataset, graphs: graphs, lastAccess: now}
}

func (c *Cache) expired(s *session, now time.Time) bool {
	return now.Sub(s.lastAccess) > c.ttl
}

// Get returns the graph for (sessionID, datasetKey, index) and marks it most
// recently used. A session holding a different dataset is a miss.
func (c *Cache) Get(sessionID, datasetKey string, index int) (*tree.Graph, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if c.expired(s, now) {
		c.dropLocked(sessionID, s, telemetry.EvictTTL)
		return nil, false
	}
	if s.dataset != datasetKey {
		return nil, false
	}
	g, ok := s.graphs.Get(index)
	if ok {
		s.lastAccess = now
	}
	return g, ok
}

// Set caches a graph for the session, creating the session if needed. If
// the session holds graphs for a different dataset, or has been idle past
// the TTL, its graphs are dropped first.
func (c *Cache) Set(sessionID, datasetKey string, index int, g *tree.Graph) {
	c.maybeSweep()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if ok && c.expired(s, now) {
		c.dropLocked(sessionID, s, telemetry.EvictTTL)
		ok = false
	}
	if ok && s.dataset != datasetKey {
		replaced := s.graphs.Len()
		s.graphs.Clear()
		s.dataset = datasetKey
		telemetry.RecordEviction(context.Background(), telemetry.CacheSession, telemetry.EvictReplaced, replaced)
		c.logger.Debug("session dataset replaced",
			"session_id", sessionID,
			"dataset", datasetKey,
			"evicted", replaced,
		)
	}
	if !ok {
		s = c.newSession(datasetKey, now)
		c.sessions[sessionID] = s
	}
	s.graphs.Set(index, g)
	s.lastAccess = now
}

// GetOrParse returns the cached graph or parses it. Parsing happens outside
// the cache lock; concurrent requests for the same dataset and index share
// one parse, across sessions.
func (c *Cache) GetOrParse(ctx context.Context, sessionID, datasetKey string, index int, parse ParseFunc) (*tree.Graph, error) {
	if g, ok := c.Get(sessionID, datasetKey, index); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheSession, telemetry.CacheHit)
		telemetry.MarkCacheResult(ctx, telemetry.CacheHit)
		return g, nil
	}
	telemetry.RecordCacheLookup(ctx, telemetry.CacheSession, telemetry.CacheMiss)
	telemetry.MarkCacheResult(ctx, telemetry.CacheMiss)

	key := datasetKey + "#" + strconv.Itoa(index)
	g, _, err := c.parses.Do(ctx, key, func(ctx context.Context) (*tree.Graph, error) {
		start := c.now()
		g, err := parse(ctx)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		telemetry.RecordTreeParse(ctx, outcome, c.now().Sub(start))
		return g, err
	})
	if err != nil {
		return nil, err
	}

	c.Set(sessionID, datasetKey, index, g)
	return g, nil
}

// EvictNotVisible drops every graph in the session whose index is not in
// visible and returns how many were dropped. A session left empty is
// removed, and an expired one is removed without counting its graphs.
func (c *Cache) EvictNotVisible(sessionID string, visible []int) int {
	c.maybeSweep()
	now := c.now()

	keep := make(map[int]struct{}, len(visible))
	for _, idx := range visible {
		keep[idx] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return 0
	}
	if c.expired(s, now) {
		c.dropLocked(sessionID, s, telemetry.EvictTTL)
		return 0
	}

	evicted := 0
	for _, idx := range s.graphs.Keys() {
		if _, ok := keep[idx]; !ok {
			s.graphs.Remove(idx)
			evicted++
		}
	}
	s.lastAccess = now

	if s.graphs.Len() == 0 {
		delete(c.sessions, sessionID)
	}

	telemetry.RecordEviction(context.Background(), telemetry.CacheSession, telemetry.EvictViewport, evicted)
	if evicted > 0 {
		c.logger.Debug("pruned graphs outside viewport",
			"session_id", sessionID,
			"evicted", evicted,
			"visible", len(visible),
		)
	}
	return evicted
}

// ClearSession drops all state for a session and returns the number of
// graphs dropped.
func (c *Cache) ClearSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return 0
	}
	return c.dropLocked(sessionID, s, telemetry.EvictInvalidate)
}

func (c *Cache) dropLocked(sessionID string, s *session, reason string) int {
	n := s.graphs.Len()
	s.graphs.Clear()
	delete(c.sessions, sessionID)
	telemetry.RecordEviction(context.Background(), telemetry.CacheSession, reason, n)
	return n
}

// Sessions returns the ids of live sessions, sorted.
func (c *Cache) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of graphs cached for a session.
func (c *Cache) Len(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		return s.graphs.Len()
	}
	return 0
}

// Indices returns a session's cached tree indices from least to most
// recently used.
func (c *Cache) Indices(sessionID string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		return s.graphs.Keys()
	}
	return nil
}

// Stats returns the number of sessions and graphs held.
func (c *Cache) Stats() (sessions, graphs int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		graphs += s.graphs.Len()
	}
	return len(c.sessions), graphs
}

// Sweep removes every session idle longer than the TTL and returns how many
// were removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

// maybeSweep runs a sweep if the cleanup interval has passed. The first check
// avoids the lock on the hot path; the second stops two callers that both saw
// a due sweep from running it twice.
func (c *Cache) maybeSweep() {
	now := c.now()
	if now.Sub(time.Unix(0, c.lastCleanup.Load())) < c.cleanupInterval {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(time.Unix(0, c.lastCleanup.Load())) < c.cleanupInterval {
		return
	}
	c.sweepLocked(now)
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	graphs := 0
	for id, s := range c.sessions {
		if c.expired(s, now) {
			graphs += c.dropLocked(id, s, telemetry.EvictTTL)
			removed++
		}
	}
	c.lastCleanup.Store(now.UnixNano())

	if removed > 0 {
		c.logger.Info("expired idle sessions",
			"sessions", removed,
			"graphs", graphs,
			"ttl", c.ttl,
		)
	}

	total := 0
	for _, s := range c.sessions {
		total += s.graphs.Len()
	}
	telemetry.UpdateSessionState(context.Background(), len(c.sessions), total)
	return removed
}

// Start begins background sweeps every cleanup interval. Sweeps also run
// opportunistically before mutations, so the janitor is optional.
func (c *Cache) Start(ctx context.Context) {
	c.runMu.Lock()
	if c.stopped || c.running {
		c.runMu.Unlock()
		return
	}
	c.running = true
	c.runMu.Unlock()

	go c.run(ctx)
}

// Stop stops background sweeps and waits for the janitor to exit.
func (c *Cache) Stop() {
	c.runMu.Lock()
	if !c.running || c.stopped {
		c.runMu.Unlock()
		return
	}
	c.stopped = true
	c.runMu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
