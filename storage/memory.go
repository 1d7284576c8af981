package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/letter-workflow/types"
)

// MemoryStorage is an in-memory implementation of Storage and RoleStore.
// A single RWMutex makes every compare-and-swap atomic within the process.
type MemoryStorage struct {
	definitions map[uint64]types.WorkflowDefinition
	defaults    map[string]uint64 // entity type -> definition ID
	instances   map[uint64]types.WorkflowInstance
	entities    map[string]uint64 // entityKey -> instance ID
	history     map[uint64][]types.WorkflowHistory
	approvals   map[uint64]types.WorkflowApproval
	userRoles   map[string][]string
	grants      map[string]map[types.Permission]struct{}
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.WorkflowDefinition),
		defaults:    make(map[string]uint64),
		instances:   make(map[uint64]types.WorkflowInstance),
		entities:    make(map[string]uint64),
		history:     make(map[uint64][]types.WorkflowHistory),
		approvals:   make(map[uint64]types.WorkflowApproval),
		userRoles:   make(map[string][]string),
		grants:      make(map[string]map[types.Permission]struct{}),
	}
}

func entityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition stores a definition in memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.definitions[def.ID]; ok {
			return fmt.Errorf("%w: definition id=%d", ErrAlreadyExists, def.ID)
		}
		if def.IsDefault {
			if prev, ok := s.defaults[def.EntityType]; ok {
				old := s.definitions[prev]
				old.IsDefault = false
				s.definitions[prev] = old
			}
			s.defaults[def.EntityType] = def.ID
		}
		s.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id)
}

// GetDefaultDefinition retrieves the default definition of an entity type.
func (s *MemoryStorage) GetDefaultDefinition(ctx context.Context, entityType string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.defaults[entityType]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: default definition for %q", ErrNotFound, entityType)
		}
		return s.definitions[id], nil
	})
}

// CreateInstance stores a new instance in memory.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := entityKey(inst.EntityType, inst.EntityID)
		if _, ok := s.entities[key]; ok {
			return fmt.Errorf("%w: instance for entity %s", ErrAlreadyExists, key)
		}
		if _, ok := s.instances[inst.ID]; ok {
			return fmt.Errorf("%w: instance id=%d", ErrAlreadyExists, inst.ID)
		}
		s.instances[inst.ID] = inst
		s.entities[key] = inst.ID
		return nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id)
}

// GetInstanceByEntity retrieves the instance governing an entity.
func (s *MemoryStorage) GetInstanceByEntity(ctx context.Context, entityType, entityID string) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		key := entityKey(entityType, entityID)
		id, ok := s.entities[key]
		if !ok {
			return types.WorkflowInstance{}, fmt.Errorf("%w: instance for entity %s", ErrNotFound, key)
		}
		return s.instances[id], nil
	})
}

// CommitTransition swaps the instance and appends history under one lock.
func (s *MemoryStorage) CommitTransition(ctx context.Context, inst types.WorkflowInstance, expectedVersion int64, hist types.WorkflowHistory) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.instances[inst.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrNotFound, inst.ID)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: instance %d at version %d, expected %d", ErrVersionConflict, inst.ID, cur.Version, expectedVersion)
		}
		s.instances[inst.ID] = inst
		s.history[inst.ID] = append(s.history[inst.ID], hist)
		return nil
	})
}

// GetHistory lists history rows in append order.
func (s *MemoryStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.WorkflowHistory, error) {
	return withContext(ctx, func() ([]types.WorkflowHistory, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		rows := s.history[instanceID]
		out := make([]types.WorkflowHistory, len(rows))
		copy(out, rows)
		return out, nil
	})
}

// CreateApproval stores a new approval in memory.
func (s *MemoryStorage) CreateApproval(ctx context.Context, approval types.WorkflowApproval) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.approvals[approval.ID]; ok {
			return fmt.Errorf("%w: approval id=%d", ErrAlreadyExists, approval.ID)
		}
		s.approvals[approval.ID] = approval
		return nil
	})
}

// GetApproval retrieves an approval from memory.
func (s *MemoryStorage) GetApproval(ctx context.Context, id uint64) (types.WorkflowApproval, error) {
	return getItem(ctx, &s.mu, s.approvals, id)
}

// ResolveApproval compare-and-sets the approval status.
func (s *MemoryStorage) ResolveApproval(ctx context.Context, approval types.WorkflowApproval, expected types.ApprovalStatus) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.approvals[approval.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrNotFound, approval.ID)
		}
		if cur.Status != expected {
			return fmt.Errorf("%w: approval %d is %s, expected %s", ErrStatusConflict, approval.ID, cur.Status, expected)
		}
		s.approvals[approval.ID] = approval
		return nil
	})
}

// GetPendingApprovals lists pending approvals for an approver, oldest first.
func (s *MemoryStorage) GetPendingApprovals(ctx context.Context, approverID, approverType string) ([]types.WorkflowApproval, error) {
	return withContext(ctx, func() ([]types.WorkflowApproval, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowApproval
		for _, a := range s.approvals {
			if a.Status == types.ApprovalPending && a.ApproverID == approverID && a.ApproverType == approverType {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// RolesForUser returns the roles assigned to (userID, userType).
func (s *MemoryStorage) RolesForUser(ctx context.Context, userID, userType string) ([]string, error) {
	return withContext(ctx, func() ([]string, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		roles := s.userRoles[entityKey(userType, userID)]
		out := make([]string, len(roles))
		copy(out, roles)
		return out, nil
	})
}

// RoleHasPermission reports whether role grants perm.
func (s *MemoryStorage) RoleHasPermission(ctx context.Context, role string, perm types.Permission) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.grants[role][perm]
		return ok, nil
	})
}

// GrantRole assigns a role to (userID, userType).
func (s *MemoryStorage) GrantRole(ctx context.Context, userID, userType, role string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := entityKey(userType, userID)
		for _, r := range s.userRoles[key] {
			if r == role {
				return nil
			}
		}
		s.userRoles[key] = append(s.userRoles[key], role)
		return nil
	})
}

// GrantPermission adds perm to role.
func (s *MemoryStorage) GrantPermission(ctx context.Context, role string, perm types.Permission) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.grants[role] == nil {
			s.grants[role] = make(map[types.Permission]struct{})
		}
		s.grants[role][perm] = struct{}{}
		return nil
	})
}
