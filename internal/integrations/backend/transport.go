// Package backend talks to the AI-execution backend: token refresh, resource
// visibility, run submission and run updates.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 4096
	maxBodySize      = 1 << 20
)

// HTTPStatusError captures non-2xx backend responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Detail     ErrorBody
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.UserMessage())
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// UserMessage is the normalized, single-string form of the error body.
func (e *HTTPStatusError) UserMessage() string {
	if e.Detail != nil {
		if msg := e.Detail.Message(); msg != "" {
			return msg
		}
	}
	if text := http.StatusText(e.StatusCode); text != "" {
		return text
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// transport is the HTTP plumbing shared by Client and AuthClient.
type transport struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*transport)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(t *transport) {
		t.httpClient = httpClient
	}
}

func newTransport(baseURL string, opts []Option) (transport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return transport{}, fmt.Errorf("backend: base URL must not be empty")
	}
	t := transport{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default one if
// the field was cleared.
func (t transport) resolvedHTTPClient() *http.Client {
	if t.httpClient != nil {
		return t.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// endpointURL joins base and path; absolute URLs are returned unchanged.
func endpointURL(baseURL, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// sameOrigin reports whether target is served by the base URL's scheme and
// host. Credentials are only ever attached to same-origin requests.
func sameOrigin(baseURL, target string) bool {
	base, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.EqualFold(base.Scheme, u.Scheme) && strings.EqualFold(base.Host, u.Host)
}

// do sends one request. body may be nil; it is re-read from the slice on
// every call so a request can be replayed.
func (t transport) do(ctx context.Context, method, url string, body []byte, token string, limit int64) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := t.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
			Detail:     ParseErrorBody(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("backend: read response body: %w", err)
	}
	return buf, nil
}
