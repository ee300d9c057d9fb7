package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"microapp-engine/internal/auth"
)

const (
	refreshPath    = "/auth/token/refresh"
	visibilityPath = "/resource-visibility/"
)

// RefreshTokenSource supplies the long-lived refresh token.
type RefreshTokenSource interface {
	RefreshToken(ctx context.Context) (string, error)
}

// RefreshTokenStore persists a rotated refresh token. A RefreshTokenSource
// that also implements it receives the new token after each rotation.
type RefreshTokenStore interface {
	StoreRefreshToken(ctx context.Context, token string) error
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// refreshResponse is the grant plus the rotated refresh token, when the
// backend rotates on use.
type refreshResponse struct {
	auth.Grant
	Refresh string `json:"refresh"`
}

type visibilityResponse struct {
	IsPublic bool `json:"isPublic"`
}

// AuthClient calls the endpoints the credential coordinator depends on. It
// never attaches an access token itself.
type AuthClient struct {
	transport
	tokens RefreshTokenSource
}

// NewAuthClient creates an AuthClient. tokens may be nil when the backend
// authenticates refreshes by other means (e.g. a cookie jar on the HTTP client).
func NewAuthClient(baseURL string, tokens RefreshTokenSource, opts ...Option) (*AuthClient, error) {
	t, err := newTransport(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &AuthClient{transport: t, tokens: tokens}, nil
}

// Refresh implements auth.Refresher.
func (c *AuthClient) Refresh(ctx context.Context) (auth.Grant, error) {
	var body []byte
	if c.tokens != nil {
		token, err := c.tokens.RefreshToken(ctx)
		if err != nil {
			return auth.Grant{}, fmt.Errorf("backend: load refresh token: %w", err)
		}
		body, err = json.Marshal(refreshRequest{Refresh: token})
		if err != nil {
			return auth.Grant{}, fmt.Errorf("backend: marshal refresh request: %w", err)
		}
	} else {
		body = []byte("{}")
	}

	raw, err := c.do(ctx, http.MethodPost, endpointURL(c.baseURL, refreshPath), body, "", maxBodySize)
	if err != nil {
		return auth.Grant{}, err
	}
	var out refreshResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return auth.Grant{}, fmt.Errorf("backend: decode refresh response: %w", err)
	}
	if strings.TrimSpace(out.Access) == "" {
		return auth.Grant{}, errors.New("backend: refresh response has no access token")
	}
	if out.Refresh != "" {
		c.storeRotated(ctx, out.Refresh)
	}
	return out.Grant, nil
}

// storeRotated writes the rotated token back. Failures are logged only.
func (c *AuthClient) storeRotated(ctx context.Context, token string) {
	store, ok := c.tokens.(RefreshTokenStore)
	if !ok {
		return
	}
	if err := store.StoreRefreshToken(ctx, token); err != nil {
		slog.Warn("backend: rotated refresh token not persisted", "error", err)
	}
}

// Lookup implements auth.VisibilityLookup.
func (c *AuthClient) Lookup(ctx context.Context, resourceID string) (bool, error) {
	if strings.TrimSpace(resourceID) == "" {
		return false, errors.New("backend: resource id must not be empty")
	}
	u := endpointURL(c.baseURL, visibilityPath+url.PathEscape(resourceID))
	raw, err := c.do(ctx, http.MethodGet, u, nil, "", maxBodySize)
	if err != nil {
		return false, err
	}
	var out visibilityResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("backend: decode visibility response: %w", err)
	}
	return out.IsPublic, nil
}
