package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/lineage-cache/telemetry"
)

const (
	// DefaultBaseURL is the Google Cloud Storage endpoint.
	DefaultBaseURL = "https://storage.googleapis.com"

	// DefaultTimeout bounds a single request, including reading a listing page.
	DefaultTimeout = 60 * time.Second

	// DefaultPageSize is the number of objects requested per listing page.
	DefaultPageSize = 1000
)

// HTTPClient lists and downloads objects through a GCS-style JSON API.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	token    string
	pageSize int
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBaseURL sets the storage endpoint.
func WithBaseURL(u string) HTTPOption {
	return func(c *HTTPClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client. Its transport is used as is.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) HTTPOption {
	return func(c *HTTPClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewHTTPClient creates a storage client. Requests are recorded as "list" or
// "download" storage operations.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewStorageTransport(nil, storageOp),
		},
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// storageOp labels JSON API calls as listings and everything else as
// object downloads.
func storageOp(req *http.Request) string {
	if strings.Contains(req.URL.Path, "/storage/v1/b/") {
		return "list"
	}
	return "download"
}

type listPage struct {
	Items         []Object `json:"items"`
	NextPageToken string   `json:"nextPageToken"`
}

// List returns every object in bucket whose name starts with prefix,
// following pagination until the listing is complete.
func (c *HTTPClient) List(ctx context.Context, bucket, prefix string) (*Listing, error) {
	key := bucket + "/" + prefix
	listing := &Listing{Bucket: bucket, Prefix: prefix, Objects: []Object{}}

	pageToken := ""
	for {
		q := url.Values{}
		q.Set("maxResults", fmt.Sprint(c.pageSize))
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		u := fmt.Sprintf("%s/storage/v1/b/%s/o?%s", c.baseURL, url.PathEscape(bucket), q.Encode())

		body, err := c.fetch(ctx, "list", key, u)
		if err != nil {
			return nil, err
		}

		var page listPage
		err = json.NewDecoder(body).Decode(&page)
		_ = body.Close()
		if err != nil {
			return nil, classifyTransportError(ctx, "list", key, fmt.Errorf("decoding listing page: %w", err))
		}

		listing.Objects = append(listing.Objects, page.Items...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	listing.FetchedAt = time.Now()
	return listing, nil
}

// Download opens the object named by key ("bucket/object").
func (c *HTTPClient) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	bucket, object, err := SplitKey(key)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(bucket), escapeObject(object))
	return c.fetch(ctx, "download", key, u)
}

// fetch performs an authenticated GET and returns the response body.
func (c *HTTPClient) fetch(ctx context.Context, op, key, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, op, key, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, classifyStatus(op, key, resp.StatusCode, string(body))
	}

	return resp.Body, nil
}

// escapeObject escapes each path segment of an object name, keeping the
// separators.
func escapeObject(object string) string {
	parts := strings.Split(object, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
