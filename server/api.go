package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/dataset"
	"github.com/wolfeidau/lineage-cache/engine"
	"github.com/wolfeidau/lineage-cache/lineage"
	"github.com/wolfeidau/lineage-cache/listing"
	"github.com/wolfeidau/lineage-cache/remote"
	"github.com/wolfeidau/lineage-cache/telemetry"
	"github.com/wolfeidau/lineage-cache/tree"
)

// SessionHeader carries the client's session id.
const SessionHeader = "X-Session-ID"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// TreeSummary describes one resolved tree.
type TreeSummary struct {
	Dataset string `json:"dataset"`
	Index   int    `json:"index"`
	Nodes   int    `json:"nodes"`
	Tips    int    `json:"tips"`
	Root    int    `json:"root"`
}

// PointsResponse wraps a node set.
type PointsResponse struct {
	Points []tree.Point `json:"points"`
}

// MRCARequest is the body of an MRCA query.
type MRCARequest struct {
	Nodes []int `json:"nodes"`
}

// SearchRequest is the body of a search query. A nil Root searches the whole
// tree.
type SearchRequest struct {
	Root *int `json:"root,omitempty"`
	lineage.Criteria
}

// ViewportRequest lists the tree indices the client still shows.
type ViewportRequest struct {
	Visible []int `json:"visible"`
}

// EvictedResponse reports how many cached graphs were dropped.
type EvictedResponse struct {
	Evicted int `json:"evicted"`
}

// ColumnResponse is one extracted column.
type ColumnResponse struct {
	Column string   `json:"column"`
	Values []string `json:"values"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// treeRequest holds the common parameters of tree routes.
type treeRequest struct {
	session string
	dataset string
	index   int
}

func (s *Server) parseTreeRequest(w http.ResponseWriter, r *http.Request) (treeRequest, bool) {
	req := treeRequest{
		session: sessionID(r),
		dataset: r.URL.Query().Get("dataset"),
	}
	if req.session == "" {
		s.writeError(w, r, engine.ErrSessionRequired)
		return req, false
	}
	if req.dataset == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "dataset query parameter is required"})
		return req, false
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid tree index"})
		return req, false
	}
	req.index = index
	return req, true
}

func sessionID(r *http.Request) string {
	id := r.Header.Get(SessionHeader)
	if id != "" {
		telemetry.SetSessionID(r, id)
	}
	return id
}

func nodeParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	node, err := strconv.Atoi(r.PathValue("node"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid node id"})
		return 0, false
	}
	return node, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "tree")
	req, ok := s.parseTreeRequest(w, r)
	if !ok {
		return
	}
	g, err := s.engine.ResolveTree(r.Context(), req.session, req.dataset, req.index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TreeSummary{
		Dataset: req.dataset,
		Index:   req.index,
		Nodes:   g.Len(),
		Tips:    g.Tips(),
		Root:    g.Root(),
	})
}

func (s *Server) handleAncestors(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "ancestors")
	req, ok := s.parseTreeRequest(w, r)
	if !ok {
		return
	}
	node, ok := nodeParam(w, r)
	if !ok {
		return
	}
	points, err := s.engine.QueryAncestors(r.Context(), req.session, req.dataset, req.index, node)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsResponse{Points: points})
}

func (s *Server) handleMRCA(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "mrca")
	req, ok := s.parseTreeRequest(w, r)
	if !ok {
		return
	}
	var body MRCARequest
	if !decodeBody(w, r, &body) {
		return
	}
	point, err := s.engine.QueryMRCA(r.Context(), req.session, req.dataset, req.index, body.Nodes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, point)
}

func (s *Server) handleSubtree(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "subtree")
	req, ok := s.parseTreeRequest(w, r)
	if !ok {
		return
	}
	node, ok := nodeParam(w, r)
	if !ok {
		return
	}
	points, err := s.engine.QuerySubtree(r.Context(), req.session, req.dataset, req.index, node)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsResponse{Points: points})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "search")
	req, ok := s.parseTreeRequest(w, r)
	if !ok {
		return
	}
	var body SearchRequest
	if !decodeBody(w, r, &body) {
		return
	}
	root := -1
	if body.Root != nil {
		root = *body.Root
	}
	points, err := s.engine.QuerySearch(r.Context(), req.session, req.dataset, req.index, root, body.Criteria)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsResponse{Points: points})
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "viewport")
	id := sessionID(r)
	if id == "" {
		s.writeError(w, r, engine.ErrSessionRequired)
		return
	}
	var body ViewportRequest
	if !decodeBody(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, EvictedResponse{Evicted: s.engine.PruneViewport(id, body.Visible)})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear_session")
	id := sessionID(r)
	if id == "" {
		s.writeError(w, r, engine.ErrSessionRequired)
		return
	}
	writeJSON(w, http.StatusOK, EvictedResponse{Evicted: s.engine.ClearSession(id)})
}

func (s *Server) handleDatasetConfig(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "config")
	path := r.URL.Query().Get("dataset")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "dataset query parameter is required"})
		return
	}
	cfg, err := s.engine.DatasetConfig(r.Context(), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleColumn(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "column")
	path := r.URL.Query().Get("dataset")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "dataset query parameter is required"})
		return
	}
	column := r.PathValue("column")
	values, err := s.engine.ColumnValues(r.Context(), path, column)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ColumnResponse{Column: column, Values: values})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "listing")
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bucket query parameter is required"})
		return
	}
	snap, err := s.engine.Listing(r.Context(), bucket, r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	writeJSON(w, http.StatusOK, snap)
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lineagecache.ErrTransient), errors.Is(err, lineagecache.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrSessionRequired),
		errors.Is(err, engine.ErrNotTable),
		errors.Is(err, engine.ErrOutsideDataDir),
		errors.Is(err, listing.ErrInvalidBucket),
		errors.Is(err, dataset.ErrUnknownColumn),
		errors.Is(err, dataset.ErrNotTrees),
		errors.Is(err, dataset.ErrUnsupportedFormat),
		errors.Is(err, lineage.ErrEmptySet):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrRemoteDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, lineagecache.ErrNotFound),
		errors.Is(err, dataset.ErrIndexRange),
		errors.Is(err, remote.ErrObjectNotFound),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, dataset.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, lineagecache.ErrPermanent):
		return http.StatusBadGateway
	case errors.Is(err, lineagecache.ErrLoad),
		errors.Is(err, lineagecache.ErrParse),
		errors.Is(err, lineage.ErrNoCommonAncestor):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
