package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/letter-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fullStore interface {
	Storage
	RoleStore
}

// Helper function to create a sample definition
func newDefinition(id uint64, entityType string, isDefault bool) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:         id,
		Name:       "Letter approval",
		EntityType: entityType,
		Version:    1,
		IsDefault:  isDefault,
		States: []types.WorkflowState{
			{ID: 1, Name: "Draft", IsInitial: true},
			{ID: 2, Name: "PendingApproval"},
			{ID: 3, Name: "Approved", IsTerminal: true},
		},
		Transitions: []types.WorkflowTransition{
			{ID: 10, FromStateID: 1, ToStateID: 2},
			{ID: 11, FromStateID: 2, ToStateID: 3, RequiredPermissions: []types.Permission{"can-approve-letters"}},
		},
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Helper function to create a sample instance
func newInstance(id, definitionID uint64, entityID string) types.WorkflowInstance {
	now := time.Now().UnixMilli()
	return types.WorkflowInstance{
		ID:             id,
		DefinitionID:   definitionID,
		EntityType:     "Letter",
		EntityID:       entityID,
		CurrentStateID: 1,
		Version:        1,
		CreatedBy:      "alice",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newApproval(id, instanceID uint64, approver string) types.WorkflowApproval {
	return types.WorkflowApproval{
		ID:           id,
		InstanceID:   instanceID,
		TransitionID: 11,
		ApproverID:   approver,
		ApproverType: "employee",
		Status:       types.ApprovalPending,
		RequestedBy:  "alice",
		CreatedAt:    time.Now().UnixMilli(),
	}
}

// runStorageSuite exercises the contract every Storage implementation must honour.
// Each store passed in must be empty.
func runStorageSuite(t *testing.T, store fullStore) {
	ctx := context.Background()

	t.Run("Definitions", func(t *testing.T) {
		first := newDefinition(100, "Letter", true)
		require.NoError(t, store.SaveDefinition(ctx, first))

		got, err := store.GetDefinition(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, first.States, got.States)
		assert.Equal(t, first.Transitions, got.Transitions)
		assert.True(t, got.IsDefault)

		err = store.SaveDefinition(ctx, first)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = store.GetDefinition(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)

		second := newDefinition(101, "Letter", true)
		require.NoError(t, store.SaveDefinition(ctx, second))

		def, err := store.GetDefaultDefinition(ctx, "Letter")
		require.NoError(t, err)
		assert.Equal(t, uint64(101), def.ID)

		old, err := store.GetDefinition(ctx, 100)
		require.NoError(t, err)
		assert.False(t, old.IsDefault)

		_, err = store.GetDefaultDefinition(ctx, "Payslip")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Instances", func(t *testing.T) {
		inst := newInstance(200, 101, "letter-1")
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, 200)
		require.NoError(t, err)
		assert.Equal(t, inst, got)

		byEntity, err := store.GetInstanceByEntity(ctx, "Letter", "letter-1")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, byEntity.ID)

		dup := newInstance(201, 101, "letter-1")
		assert.ErrorIs(t, store.CreateInstance(ctx, dup), ErrAlreadyExists)

		_, err = store.GetInstance(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetInstanceByEntity(ctx, "Letter", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CommitTransition", func(t *testing.T) {
		inst := newInstance(300, 101, "letter-2")
		require.NoError(t, store.CreateInstance(ctx, inst))

		next := inst
		next.CurrentStateID = 2
		next.Version = 2
		next.UpdatedBy = "alice"
		hist := types.WorkflowHistory{ID: 301, InstanceID: 300, TransitionID: 10, FromStateID: 1, ToStateID: 2, ActorID: "alice", ActorType: "employee", CreatedAt: 1}
		require.NoError(t, store.CommitTransition(ctx, next, 1, hist))

		stale := inst
		stale.CurrentStateID = 3
		stale.Version = 2
		err := store.CommitTransition(ctx, stale, 1, types.WorkflowHistory{ID: 302, InstanceID: 300, TransitionID: 11, FromStateID: 1, ToStateID: 3, CreatedAt: 2})
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := store.GetInstance(ctx, 300)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.CurrentStateID)
		assert.Equal(t, int64(2), got.Version)

		rows, err := store.GetHistory(ctx, 300)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, hist, rows[0])

		missing := newInstance(399, 101, "nope")
		err = store.CommitTransition(ctx, missing, 1, types.WorkflowHistory{ID: 303, InstanceID: 399})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentCommit", func(t *testing.T) {
		inst := newInstance(400, 101, "letter-3")
		require.NoError(t, store.CreateInstance(ctx, inst))

		const workers = 8
		var (
			wg        sync.WaitGroup
			succeeded int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := inst
				next.CurrentStateID = 2
				next.Version = 2
				hist := types.WorkflowHistory{ID: uint64(410 + i), InstanceID: 400, TransitionID: 10, FromStateID: 1, ToStateID: 2, CreatedAt: int64(i)}
				if err := store.CommitTransition(ctx, next, 1, hist); err == nil {
					atomic.AddInt32(&succeeded, 1)
				} else {
					assert.ErrorIs(t, err, ErrVersionConflict)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), succeeded)
		rows, err := store.GetHistory(ctx, 400)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("Approvals", func(t *testing.T) {
		inst := newInstance(500, 101, "letter-4")
		require.NoError(t, store.CreateInstance(ctx, inst))

		a1 := newApproval(501, 500, "bob")
		a2 := newApproval(502, 500, "bob")
		a3 := newApproval(503, 500, "carol")
		for _, a := range []types.WorkflowApproval{a1, a2, a3} {
			require.NoError(t, store.CreateApproval(ctx, a))
		}
		assert.ErrorIs(t, store.CreateApproval(ctx, a1), ErrAlreadyExists)

		pending, err := store.GetPendingApprovals(ctx, "bob", "employee")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, uint64(501), pending[0].ID)

		approved := a1
		approved.Status = types.ApprovalApproved
		approved.ResolvedBy = "bob"
		approved.ResolvedAt = 42
		require.NoError(t, store.ResolveApproval(ctx, approved, types.ApprovalPending))

		err = store.ResolveApproval(ctx, approved, types.ApprovalPending)
		assert.ErrorIs(t, err, ErrStatusConflict)

		got, err := store.GetApproval(ctx, 501)
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalApproved, got.Status)
		assert.Equal(t, "bob", got.ResolvedBy)

		pending, err = store.GetPendingApprovals(ctx, "bob", "employee")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(502), pending[0].ID)

		// Compensation puts an approval back into the pending set.
		reopened := a1
		require.NoError(t, store.ResolveApproval(ctx, reopened, types.ApprovalApproved))
		pending, err = store.GetPendingApprovals(ctx, "bob", "employee")
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		_, err = store.GetApproval(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.ResolveApproval(ctx, newApproval(999, 500, "bob"), types.ApprovalPending), ErrNotFound)
	})

	t.Run("Roles", func(t *testing.T) {
		require.NoError(t, store.GrantRole(ctx, "bob", "employee", "hr-manager"))
		require.NoError(t, store.GrantRole(ctx, "bob", "employee", "hr-manager"))
		require.NoError(t, store.GrantPermission(ctx, "hr-manager", "can-approve-letters"))

		roles, err := store.RolesForUser(ctx, "bob", "employee")
		require.NoError(t, err)
		assert.Equal(t, []string{"hr-manager"}, roles)

		roles, err = store.RolesForUser(ctx, "bob", "admin")
		require.NoError(t, err)
		assert.Empty(t, roles)

		ok, err := store.RoleHasPermission(ctx, "hr-manager", "can-approve-letters")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.RoleHasPermission(ctx, "hr-manager", "can-delete-letters")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func newHistoryRow(id uint64) types.WorkflowHistory {
	return types.WorkflowHistory{
		ID:           id,
		InstanceID:   1,
		TransitionID: 10,
		FromStateID:  1,
		ToStateID:    2,
		ActorID:      "alice",
		ActorType:    "employee",
		CreatedAt:    time.Now().UnixMilli(),
	}
}
