// Package auth owns the access credential shared by every backend call.
//
// A Coordinator keeps at most one refresh in flight, hands every caller the
// same refreshed credential, and decides per request whether a credential is
// needed at all. Shared work (refresh, public-resource lookups) runs on a
// context detached from the caller that started it, so cancelling one caller
// never fails the others.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"microapp-engine/internal/domain"
)

const (
	defaultTimeout = 15 * time.Second
	refreshKey     = "refresh"
)

// DefaultResourcePattern extracts the resource identifier of paths whose
// visibility can be public.
var DefaultResourcePattern = regexp.MustCompile(`^/(?:microapps|role-check)/([^/?#]+)`)

// ErrReauthRequired is returned when the credential cannot be refreshed and
// the user has to log in again.
var ErrReauthRequired = errors.New("auth: re-authentication required")

// Grant is the body of a login or refresh response.
type Grant struct {
	Access     string          `json:"access"`
	Expiration json.RawMessage `json:"access_expiration"`
}

// Refresher exchanges the session's refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context) (Grant, error)
}

// VisibilityLookup classifies a resource as public or private.
type VisibilityLookup interface {
	Lookup(ctx context.Context, resourceID string) (bool, error)
}

// State is the credential lifecycle as seen by the coordinator.
type State string

const (
	StateAbsent     State = "absent"
	StateRefreshing State = "refreshing"
	StateValid      State = "valid"
	StateExpired    State = "expired"
)

// Coordinator is the single source of truth for the access credential.
type Coordinator struct {
	refresher Refresher
	lookup    VisibilityLookup
	now       func() time.Time
	timeout   time.Duration
	onReauth  func(error)
	pattern   *regexp.Regexp

	mu         sync.Mutex
	cred       *domain.Credential
	generation uint64
	refreshing bool
	public     map[string]bool

	refreshes singleflight.Group
	lookups   singleflight.Group
}

type Option func(*Coordinator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithTimeout bounds shared refresh and lookup calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithReauthHandler is called once per failed refresh, after the cached
// credential has been discarded.
func WithReauthHandler(fn func(error)) Option {
	return func(c *Coordinator) {
		c.onReauth = fn
	}
}

// WithResourcePattern replaces DefaultResourcePattern. The first capture
// group must be the resource identifier.
func WithResourcePattern(re *regexp.Regexp) Option {
	return func(c *Coordinator) {
		c.pattern = re
	}
}

// New creates a Coordinator. lookup may be nil, in which case every resource
// is treated as private.
func New(refresher Refresher, lookup VisibilityLookup, opts ...Option) (*Coordinator, error) {
	if refresher == nil {
		return nil, errors.New("auth: refresher must not be nil")
	}
	c := &Coordinator{
		refresher: refresher,
		lookup:    lookup,
		now:       time.Now,
		timeout:   defaultTimeout,
		pattern:   DefaultResourcePattern,
		public:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Credential returns a valid credential, refreshing it if needed. Concurrent
// callers share one refresh and receive the same value.
func (c *Coordinator) Credential(ctx context.Context) (domain.Credential, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credential{}, err
	}
	if cred, ok := c.cached(); ok {
		return cred, nil
	}

	ch := c.refreshes.DoChan(refreshKey, func() (any, error) {
		// A refresh that settled between the check above and this call has
		// already cached a credential.
		if cred, ok := c.cached(); ok {
			return cred, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return domain.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.Credential), nil
	}
}

func (c *Coordinator) refresh(ctx context.Context) (domain.Credential, error) {
	c.mu.Lock()
	c.refreshing = true
	gen := c.generation
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	grant, err := c.refresher.Refresh(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return domain.Credential{}, fmt.Errorf("auth: refresh cancelled: %w", err)
	}
	var cred domain.Credential
	if err == nil {
		cred, err = credentialFromGrant(grant)
	}
	if err == nil && !cred.Valid(c.now()) {
		err = errors.New("auth: refreshed credential is already expired")
	}
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.generation++
			c.cred = nil
		}
		c.mu.Unlock()
		slog.Warn("credential refresh failed", "err", err)
		if c.onReauth != nil {
			c.onReauth(err)
		}
		return domain.Credential{}, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		// A Login during the refresh wins over the refreshed grant.
		if c.cred != nil && c.cred.Valid(c.now()) {
			return *c.cred, nil
		}
		return domain.Credential{}, fmt.Errorf("%w: logged out during refresh", ErrReauthRequired)
	}
	c.cred = &cred
	return cred, nil
}

// Login stores the credential returned by a login call.
func (c *Coordinator) Login(g Grant) error {
	cred, err := credentialFromGrant(g)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.cred = &cred
	return nil
}

// Logout discards the cached credential. A refresh still in flight will not
// resurrect it.
func (c *Coordinator) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.cred = nil
}

// Invalidate discards the cached credential if it is still token. Requests
// that were rejected with the same stale token collapse to one refresh.
func (c *Coordinator) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred != nil && c.cred.Token == token {
		c.cred = nil
	}
}

// State reports the credential lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.refreshing:
		return StateRefreshing
	case c.cred == nil:
		return StateAbsent
	case c.cred.Valid(c.now()):
		return StateValid
	default:
		return StateExpired
	}
}

func (c *Coordinator) cached() (domain.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil || !c.cred.Valid(c.now()) {
		return domain.Credential{}, false
	}
	return *c.cred, true
}
