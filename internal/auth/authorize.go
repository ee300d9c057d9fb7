package auth

import (
	"context"
	"log/slog"
)

// ResourceID extracts the resource identifier from a request path, or "" when
// the path does not address a classifiable resource.
func (c *Coordinator) ResourceID(path string) string {
	if c.pattern == nil {
		return ""
	}
	m := c.pattern.FindStringSubmatch(path)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Authorize decides which bearer token, if any, a request to path carries.
//
// Public resources never trigger a refresh: the cached credential is attached
// when valid and the request otherwise goes out anonymously. Everything else
// requires a credential.
func (c *Coordinator) Authorize(ctx context.Context, path string) (string, error) {
	if id := c.ResourceID(path); id != "" {
		public, err := c.IsPublic(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			slog.Warn("resource visibility lookup failed, treating as private", "resource", id, "err", err)
		case public:
			if cred, ok := c.cached(); ok {
				return cred.Token, nil
			}
			return "", nil
		}
	}

	cred, err := c.Credential(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// IsPublic reports whether resourceID is publicly visible. Results are cached;
// concurrent lookups for the same identifier share one call. Failures are not
// cached.
func (c *Coordinator) IsPublic(ctx context.Context, resourceID string) (bool, error) {
	if c.lookup == nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	public, ok := c.public[resourceID]
	c.mu.Unlock()
	if ok {
		return public, nil
	}

	ch := c.lookups.DoChan(resourceID, func() (any, error) {
		c.mu.Lock()
		public, ok := c.public[resourceID]
		c.mu.Unlock()
		if ok {
			return public, nil
		}
		lookupCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(lookupCtx, c.timeout)
			defer cancel()
		}
		public, err := c.lookup.Lookup(lookupCtx, resourceID)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.public[resourceID] = public
		c.mu.Unlock()
		return public, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

// ForgetVisibility drops the cached classification of resourceID, e.g. after
// its owner publishes or unpublishes it.
func (c *Coordinator) ForgetVisibility(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.public, resourceID)
}
