package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/letter-workflow/types"
)

// Errors shared by every Storage implementation.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrAlreadyExists   = errors.New("resource already exists")
	ErrVersionConflict = errors.New("instance version conflict")
	ErrStatusConflict  = errors.New("approval status conflict")
	ErrDefaultConflict = errors.New("another default definition was registered concurrently")
)

// Storage persists definitions, instances, history and approvals.
//
// Each method is atomic on its own; callers must not assume atomicity across calls.
type Storage interface {
	// SaveDefinition stores a new definition. Definitions are immutable, so an
	// existing ID yields ErrAlreadyExists. A default definition demotes the
	// previous default of the same entity type.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)

	// GetDefaultDefinition retrieves the default definition of an entity type.
	GetDefaultDefinition(ctx context.Context, entityType string) (types.WorkflowDefinition, error)

	// CreateInstance stores a new instance. At most one instance may exist per
	// (EntityType, EntityID); a duplicate yields ErrAlreadyExists.
	CreateInstance(ctx context.Context, inst types.WorkflowInstance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// GetInstanceByEntity retrieves the instance governing an entity.
	GetInstanceByEntity(ctx context.Context, entityType, entityID string) (types.WorkflowInstance, error)

	// CommitTransition replaces the instance if its stored version equals
	// expectedVersion and appends hist, as one atomic unit. A mismatch yields
	// ErrVersionConflict and changes nothing.
	CommitTransition(ctx context.Context, inst types.WorkflowInstance, expectedVersion int64, hist types.WorkflowHistory) error

	// GetHistory lists the history rows of an instance in append order.
	GetHistory(ctx context.Context, instanceID uint64) ([]types.WorkflowHistory, error)

	// CreateApproval stores a new approval request.
	CreateApproval(ctx context.Context, approval types.WorkflowApproval) error

	// GetApproval retrieves an approval by ID.
	GetApproval(ctx context.Context, id uint64) (types.WorkflowApproval, error)

	// ResolveApproval replaces the approval if its stored status equals
	// expected. A mismatch yields ErrStatusConflict and changes nothing.
	ResolveApproval(ctx context.Context, approval types.WorkflowApproval, expected types.ApprovalStatus) error

	// GetPendingApprovals lists the pending approvals assigned to an approver.
	GetPendingApprovals(ctx context.Context, approverID, approverType string) ([]types.WorkflowApproval, error)
}

// RoleStore resolves role assignments and grants. All storages implement it.
type RoleStore interface {
	RolesForUser(ctx context.Context, userID, userType string) ([]string, error)
	RoleHasPermission(ctx context.Context, role string, perm types.Permission) (bool, error)
	GrantRole(ctx context.Context, userID, userType, role string) error
	GrantPermission(ctx context.Context, role string, perm types.Permission) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
