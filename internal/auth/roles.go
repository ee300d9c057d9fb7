package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// RoleFetcher returns the roles a user holds on a resource.
type RoleFetcher interface {
	Roles(ctx context.Context, resourceID, userID string) ([]string, error)
}

// Access is the user's standing on a resource.
type Access struct {
	Owner bool `json:"owner"`
	Admin bool `json:"admin"`
}

// ResolveAccess derives owner/admin standing by membership in the role list.
func ResolveAccess(ctx context.Context, f RoleFetcher, resourceID, userID string) (Access, error) {
	if f == nil {
		return Access{}, errors.New("auth: role fetcher must not be nil")
	}
	if resourceID == "" || userID == "" {
		return Access{}, nil
	}
	roles, err := f.Roles(ctx, resourceID, userID)
	if err != nil {
		return Access{}, fmt.Errorf("auth: fetch roles: %w", err)
	}
	return Access{
		Owner: slices.Contains(roles, RoleOwner),
		Admin: slices.Contains(roles, RoleAdmin),
	}, nil
}
