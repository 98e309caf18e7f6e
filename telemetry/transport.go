package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// OpFunc names the storage operation a request performs.
type OpFunc func(req *http.Request) string

// StorageTransport wraps an http.RoundTripper with object storage request
// metrics. The metric is recorded once the response body is closed so the
// byte count and duration cover the whole transfer.
type StorageTransport struct {
	base http.RoundTripper
	op   OpFunc
}

// NewStorageTransport creates an instrumented transport. A nil base uses
// http.DefaultTransport; a nil op labels every request "request".
func NewStorageTransport(base http.RoundTripper, op OpFunc) *StorageTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if op == nil {
		op = func(*http.Request) string { return "request" }
	}
	return &StorageTransport{base: base, op: op}
}

// RoundTrip implements http.RoundTripper.
func (t *StorageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	op := t.op(req)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordStorageRequest(req.Context(), op, outcome, time.Since(start), 0)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		op:         op,
		start:      start,
		outcome:    storageOutcome(resp.StatusCode),
	}
	return resp, nil
}

// storageOutcome buckets a status the way the remote client classifies it.
func storageOutcome(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// instrumentedBody counts bytes read and records the request on first Close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	op       string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordStorageRequest(b.ctx, b.op, b.outcome, time.Since(b.start), b.bytes)
	}
	return b.ReadCloser.Close()
}
