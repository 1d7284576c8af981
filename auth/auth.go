package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/letter-workflow/storage"
	"github.com/songzhibin97/letter-workflow/types"
)

// Gate answers whether a user holds a permission.
//
// A missing grant is (false, nil). Only lookup failures are errors.
type Gate interface {
	HasPermission(ctx context.Context, userID, userType string, perm types.Permission) (bool, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, userID, userType string, perm types.Permission) (bool, error)

// HasPermission implements Gate.
func (f GateFunc) HasPermission(ctx context.Context, userID, userType string, perm types.Permission) (bool, error) {
	return f(ctx, userID, userType, perm)
}

// RoleGate grants a permission when any role of the user grants it.
// Every call goes to the store; grants take effect immediately.
type RoleGate struct {
	roles storage.RoleStore
}

// NewRoleGate creates a RoleGate over roles.
func NewRoleGate(roles storage.RoleStore) *RoleGate {
	return &RoleGate{roles: roles}
}

// HasPermission implements Gate.
func (g *RoleGate) HasPermission(ctx context.Context, userID, userType string, perm types.Permission) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	roles, err := g.roles.RolesForUser(ctx, userID, userType)
	if err != nil {
		return false, fmt.Errorf("failed to resolve roles of %s/%s: %w", userType, userID, err)
	}

	for _, role := range roles {
		ok, err := g.roles.RoleHasPermission(ctx, role, perm)
		if err != nil {
			return false, fmt.Errorf("failed to check role %q: %w", role, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Catalog is the set of permissions definitions may reference.
type Catalog struct {
	mu    sync.RWMutex
	known map[types.Permission]struct{}
}

// NewCatalog creates a Catalog holding perms.
func NewCatalog(perms ...types.Permission) *Catalog {
	c := &Catalog{known: make(map[types.Permission]struct{}, len(perms))}
	c.Add(perms...)
	return c
}

// Add registers more permissions.
func (c *Catalog) Add(perms ...types.Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range perms {
		c.known[p] = struct{}{}
	}
}

// Has reports whether perm is known.
func (c *Catalog) Has(perm types.Permission) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[perm]
	return ok
}

// Permissions lists the known permissions in sorted order.
func (c *Catalog) Permissions() []types.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Permission, 0, len(c.known))
	for p := range c.known {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate returns an error naming the first unknown permission.
func (c *Catalog) Validate(perms []types.Permission) error {
	for _, p := range perms {
		if p == "" {
			return fmt.Errorf("empty permission")
		}
		if !c.Has(p) {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	return nil
}
