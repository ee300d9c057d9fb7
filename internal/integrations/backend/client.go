package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"microapp-engine/internal/domain"
)

const (
	runPath          = "/run"
	runAnonymousPath = "/run/anonymous"
	maxFileSize      = 5 << 20
)

// Authorizer is the part of the credential coordinator the client needs.
type Authorizer interface {
	Authorize(ctx context.Context, path string) (string, error)
	Credential(ctx context.Context) (domain.Credential, error)
	Invalidate(token string)
}

type rolesResponse struct {
	Roles []string `json:"roles"`
}

// Client submits runs and related calls. Authenticated calls take their token
// from the Authorizer and are replayed once after a 401.
type Client struct {
	transport
	auth Authorizer
}

func NewClient(baseURL string, authz Authorizer, opts ...Option) (*Client, error) {
	if authz == nil {
		return nil, errors.New("backend: authorizer must not be nil")
	}
	t, err := newTransport(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Client{transport: t, auth: authz}, nil
}

// SubmitRun posts a run to the authenticated or anonymous endpoint.
func (c *Client) SubmitRun(ctx context.Context, req domain.RunRequest, authenticated bool) (domain.RunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.RunResponse{}, fmt.Errorf("backend: marshal run request: %w", err)
	}
	raw, err := c.send(ctx, http.MethodPost, runEndpoint(authenticated), body, authenticated, maxBodySize)
	if err != nil {
		return domain.RunResponse{}, err
	}
	var out domain.RunResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.RunResponse{}, fmt.Errorf("backend: decode run response: %w", err)
	}
	return out, nil
}

// PatchRun applies a partial update to a run, keyed by its id.
func (c *Client) PatchRun(ctx context.Context, patch domain.RunPatch, authenticated bool) error {
	if strings.TrimSpace(patch.ID) == "" {
		return errors.New("backend: run id must not be empty")
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("backend: marshal run patch: %w", err)
	}
	_, err = c.send(ctx, http.MethodPatch, runEndpoint(authenticated), body, authenticated, maxBodySize)
	return err
}

// FetchFile returns the text content of an attached file. Relative paths are
// resolved against the base URL. Files on any other host (presigned storage
// URLs) are fetched without credentials.
func (c *Client) FetchFile(ctx context.Context, fileURL string, authenticated bool) (string, error) {
	if strings.TrimSpace(fileURL) == "" {
		return "", errors.New("backend: file url must not be empty")
	}
	raw, err := c.send(ctx, http.MethodGet, fileURL, nil, authenticated, maxFileSize)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Roles returns the roles userID holds on resourceID.
func (c *Client) Roles(ctx context.Context, resourceID, userID string) ([]string, error) {
	path := "/role-check/" + url.PathEscape(resourceID) + "/user/" + url.PathEscape(userID)
	raw, err := c.send(ctx, http.MethodGet, path, nil, true, maxBodySize)
	if err != nil {
		return nil, err
	}
	var out rolesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("backend: decode roles response: %w", err)
	}
	return out.Roles, nil
}

func runEndpoint(authenticated bool) string {
	if authenticated {
		return runPath
	}
	return runAnonymousPath
}

// send performs one call. An authenticated call rejected with 401 is replayed
// exactly once with a refreshed credential; any other failure, and a second
// 401, is returned as is.
func (c *Client) send(ctx context.Context, method, path string, body []byte, authenticated bool, limit int64) ([]byte, error) {
	u := endpointURL(c.baseURL, path)
	if !authenticated || !sameOrigin(c.baseURL, u) {
		return c.do(ctx, method, u, body, "", limit)
	}

	token, err := c.auth.Authorize(ctx, requestPath(path))
	if err != nil {
		return nil, fmt.Errorf("backend: authorize %s: %w", path, err)
	}
	raw, err := c.do(ctx, method, u, body, token, limit)
	if !isAuthInvalid(err) {
		return raw, err
	}

	c.auth.Invalidate(token)
	cred, credErr := c.auth.Credential(ctx)
	if credErr != nil {
		return nil, fmt.Errorf("backend: refresh after %s rejected the credential: %w", path, credErr)
	}
	return c.do(ctx, method, u, body, cred.Token, limit)
}

func isAuthInvalid(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// requestPath strips scheme and host so absolute file URLs can be classified.
func requestPath(path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return u.Path
	}
	return path
}
