package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/lineage-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

// Read records the open and, once the reader is closed, the bytes read.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReader{ReadCloser: rc, ctx: ctx, ib: ib, start: start}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (Entry, error) {
	start := time.Now()
	e, err := ib.backend.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return e, err
}

func (ib *InstrumentedBackend) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()
	entries, err := ib.backend.Scan(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "scan", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

func (ib *InstrumentedBackend) local() (LocalBackend, error) {
	lb, ok := ib.backend.(LocalBackend)
	if !ok {
		return nil, fmt.Errorf("backend %s is not a local backend", ib.name)
	}
	return lb, nil
}

// Path delegates to the underlying LocalBackend. It returns "" if the
// backend is not local.
func (ib *InstrumentedBackend) Path(key string) string {
	lb, err := ib.local()
	if err != nil {
		return ""
	}
	return lb.Path(key)
}

// Import delegates to the underlying LocalBackend, counting the imported bytes.
func (ib *InstrumentedBackend) Import(ctx context.Context, key, src string) error {
	lb, err := ib.local()
	if err != nil {
		return err
	}
	var size int64
	if info, err := os.Stat(src); err == nil {
		size = info.Size()
	}
	start := time.Now()
	err = lb.Import(ctx, key, src)
	telemetry.RecordBackendOp(ctx, ib.name, "import", outcomeFromError(err), time.Since(start), size)
	return err
}

// TempDir delegates to the underlying LocalBackend, falling back to the
// system temp directory.
func (ib *InstrumentedBackend) TempDir() string {
	lb, err := ib.local()
	if err != nil {
		return os.TempDir()
	}
	return lb.TempDir()
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader counts bytes read and records the read once on Close.
type countingReader struct {
	io.ReadCloser
	ctx      context.Context
	ib       *InstrumentedBackend
	start    time.Time
	n        int64
	recorded bool
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.ReadCloser.Read(p)
	cr.n += int64(n)
	return n, err
}

func (cr *countingReader) Close() error {
	err := cr.ReadCloser.Close()
	if !cr.recorded {
		cr.recorded = true
		telemetry.RecordBackendOp(cr.ctx, cr.ib.name, "read", outcomeFromError(err), time.Since(cr.start), cr.n)
	}
	return err
}

// Compile-time interface checks
var (
	_ Backend      = (*InstrumentedBackend)(nil)
	_ LocalBackend = (*InstrumentedBackend)(nil)
)
