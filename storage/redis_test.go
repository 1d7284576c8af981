package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/songzhibin97/letter-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Setup Redis options (assumes Redis is running locally)
var redisTestOptions = RedisOptions{
	Addr:         "localhost:6379",
	Password:     "",
	DB:           15,
	PoolSize:     10,
	MinIdleConns: 2,
	IdleTimeout:  5 * time.Minute,
}

// newTestRedisStorage connects to the local Redis and empties the test DB.
func newTestRedisStorage(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(redisTestOptions)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, store.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	runStorageSuite(t, newTestRedisStorage(t))
}

func TestNewRedisStorageConnectionFailure(t *testing.T) {
	badOpts := redisTestOptions
	badOpts.Addr = "invalid:6379"
	_, err := NewRedisStorage(badOpts)
	assert.Error(t, err)
}

func TestRedisStorageContextCancellation(t *testing.T) {
	store := newTestRedisStorage(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err := store.SaveDefinition(ctx, newDefinition(1, "Letter", true))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.GetDefinition(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)

	err = store.CreateInstance(ctx, newInstance(1, 1, "letter-1"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.GetPendingApprovals(ctx, "bob", "employee")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisStorageClose(t *testing.T) {
	store := newTestRedisStorage(t)
	require.NoError(t, store.Close())

	// After closing, operations should fail
	err := store.SaveDefinition(context.Background(), newDefinition(1, "Letter", true))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestGetJSON(t *testing.T) {
	store := newTestRedisStorage(t)
	ctx := context.Background()

	t.Run("Found", func(t *testing.T) {
		def := newDefinition(100, "Letter", false)
		require.NoError(t, store.SaveDefinition(ctx, def))

		result, err := getJSON[types.WorkflowDefinition](ctx, store.client, idKey(definitionPrefix, 100))
		assert.NoError(t, err)
		assert.Equal(t, def, result)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getJSON[types.WorkflowDefinition](ctx, store.client, idKey(definitionPrefix, 999))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWithContextError(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		ctx := context.Background()
		err := withContextError(ctx, func() error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("Error", func(t *testing.T) {
		ctx := context.Background()
		err := withContextError(ctx, func() error {
			return fmt.Errorf("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, "fail", err.Error())
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := withContextError(ctx, func() error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisCreateApprovalIndexesPending(t *testing.T) {
	store := newTestRedisStorage(t)
	ctx := context.Background()

	approval := newApproval(300, 1, "bob")
	pendKey := actorKey(pendingApprovalPrefix, approval.ApproverType, approval.ApproverID)
	require.NoError(t, store.CreateApproval(ctx, approval))

	member, err := store.client.SIsMember(ctx, pendKey, approval.ID).Result()
	require.NoError(t, err)
	assert.True(t, member, "pending approval should be indexed with its record")

	// A duplicate neither overwrites the record nor touches the index
	dup := approval
	dup.ApproverID = "carol"
	err = store.CreateApproval(ctx, dup)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	got, err := store.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.ApproverID)
	n, err := store.client.Exists(ctx, actorKey(pendingApprovalPrefix, dup.ApproverType, "carol")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	// Resolved approvals are stored without an index entry
	resolved := newApproval(301, 1, "bob")
	resolved.Status = types.ApprovalRejected
	require.NoError(t, store.CreateApproval(ctx, resolved))
	member, err = store.client.SIsMember(ctx, pendKey, resolved.ID).Result()
	require.NoError(t, err)
	assert.False(t, member)
}
