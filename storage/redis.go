package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/letter-workflow/types"
)

const (
	definitionPrefix      = "definition:"
	defaultDefinitionKey  = "definition_default:"
	instancePrefix        = "instance:"
	instanceEntityPrefix  = "instance_entity:"
	historyPrefix         = "history:"
	approvalPrefix        = "approval:"
	pendingApprovalPrefix = "approvals_pending:"
	userRolesPrefix       = "user_roles:"
	rolePermissionsPrefix = "role_permissions:"
)

// RedisStorage is a Redis-backed implementation of Storage and RoleStore.
// Compare-and-swap writes use WATCH/MULTI so they hold across processes.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func idKey(prefix string, id uint64) string {
	return prefix + strconv.FormatUint(id, 10)
}

func actorKey(prefix, actorType, actorID string) string {
	return prefix + actorType + ":" + actorID
}

// getJSON reads and unmarshals a JSON value stored under key.
func getJSON[T any](ctx context.Context, cmd redis.Cmdable, key string) (T, error) {
	var zero T
	data, err := cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
	} else if err != nil {
		return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return result, nil
}

// watch runs fn in a WATCH transaction and maps an aborted EXEC to conflict.
func (s *RedisStorage) watch(ctx context.Context, conflict error, fn func(tx *redis.Tx) error, keys ...string) error {
	err := s.client.Watch(ctx, fn, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent write on %v", conflict, keys)
	}
	return err
}

// SaveDefinition stores a definition and, if default, moves the default pointer.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		key := idKey(definitionPrefix, def.ID)
		defKey := defaultDefinitionKey + def.EntityType
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %d: %w", def.ID, err)
		}

		return s.watch(ctx, ErrAlreadyExists, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: definition id=%d", ErrAlreadyExists, def.ID)
			}

			// demoted holds the previous default rewritten with IsDefault=false.
			var (
				demotedKey string
				demoted    []byte
			)
			if def.IsDefault {
				prevID, err := tx.Get(ctx, defKey).Uint64()
				switch {
				case errors.Is(err, redis.Nil):
				case err != nil:
					return fmt.Errorf("failed to get %s: %w", defKey, err)
				default:
					demotedKey = idKey(definitionPrefix, prevID)
					prev, err := getJSON[types.WorkflowDefinition](ctx, tx, demotedKey)
					if err != nil {
						return err
					}
					prev.IsDefault = false
					if demoted, err = json.Marshal(prev); err != nil {
						return fmt.Errorf("failed to marshal definition %d: %w", prev.ID, err)
					}
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if def.IsDefault {
					pipe.Set(ctx, defKey, def.ID, 0)
				}
				if demoted != nil {
					pipe.Set(ctx, demotedKey, demoted, 0)
				}
				return nil
			})
			return err
		}, key, defKey)
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		return getJSON[types.WorkflowDefinition](ctx, s.client, idKey(definitionPrefix, id))
	})
}

// GetDefaultDefinition follows the default pointer of an entity type.
func (s *RedisStorage) GetDefaultDefinition(ctx context.Context, entityType string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		id, err := s.client.Get(ctx, defaultDefinitionKey+entityType).Uint64()
		if errors.Is(err, redis.Nil) {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: default definition for %q", ErrNotFound, entityType)
		} else if err != nil {
			return types.WorkflowDefinition{}, fmt.Errorf("failed to get default definition for %q: %w", entityType, err)
		}
		return getJSON[types.WorkflowDefinition](ctx, s.client, idKey(definitionPrefix, id))
	})
}

// CreateInstance stores an instance and claims its entity key.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		key := idKey(instancePrefix, inst.ID)
		entKey := instanceEntityPrefix + entityKey(inst.EntityType, inst.EntityID)
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}

		return s.watch(ctx, ErrAlreadyExists, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key, entKey).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", entKey, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: instance for entity %s", ErrAlreadyExists, entityKey(inst.EntityType, inst.EntityID))
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.Set(ctx, entKey, inst.ID, 0)
				return nil
			})
			return err
		}, key, entKey)
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		return getJSON[types.WorkflowInstance](ctx, s.client, idKey(instancePrefix, id))
	})
}

// GetInstanceByEntity resolves the entity key, then the instance.
func (s *RedisStorage) GetInstanceByEntity(ctx context.Context, entityType, entityID string) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		entKey := instanceEntityPrefix + entityKey(entityType, entityID)
		id, err := s.client.Get(ctx, entKey).Uint64()
		if errors.Is(err, redis.Nil) {
			return types.WorkflowInstance{}, fmt.Errorf("%w: key=%s", ErrNotFound, entKey)
		} else if err != nil {
			return types.WorkflowInstance{}, fmt.Errorf("failed to get %s from Redis: %w", entKey, err)
		}
		return getJSON[types.WorkflowInstance](ctx, s.client, idKey(instancePrefix, id))
	})
}

// CommitTransition checks the version under WATCH and writes instance and history in one EXEC.
func (s *RedisStorage) CommitTransition(ctx context.Context, inst types.WorkflowInstance, expectedVersion int64, hist types.WorkflowHistory) error {
	return withContextError(ctx, func() error {
		key := idKey(instancePrefix, inst.ID)
		instData, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}
		histData, err := json.Marshal(hist)
		if err != nil {
			return fmt.Errorf("failed to marshal history %d: %w", hist.ID, err)
		}

		return s.watch(ctx, ErrVersionConflict, func(tx *redis.Tx) error {
			cur, err := getJSON[types.WorkflowInstance](ctx, tx, key)
			if err != nil {
				return err
			}
			if cur.Version != expectedVersion {
				return fmt.Errorf("%w: instance %d at version %d, expected %d", ErrVersionConflict, inst.ID, cur.Version, expectedVersion)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, instData, 0)
				pipe.RPush(ctx, idKey(historyPrefix, inst.ID), histData)
				return nil
			})
			return err
		}, key)
	})
}

// GetHistory reads the history list of an instance.
func (s *RedisStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.WorkflowHistory, error) {
	return withContext(ctx, func() ([]types.WorkflowHistory, error) {
		key := idKey(historyPrefix, instanceID)
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		rows := make([]types.WorkflowHistory, 0, len(raw))
		for _, r := range raw {
			var h types.WorkflowHistory
			if err := json.Unmarshal([]byte(r), &h); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s entry: %w", key, err)
			}
			rows = append(rows, h)
		}
		return rows, nil
	})
}

// CreateApproval stores an approval and indexes it as pending.
func (s *RedisStorage) CreateApproval(ctx context.Context, approval types.WorkflowApproval) error {
	return withContextError(ctx, func() error {
		key := idKey(approvalPrefix, approval.ID)
		data, err := json.Marshal(approval)
		if err != nil {
			return fmt.Errorf("failed to marshal approval %d: %w", approval.ID, err)
		}
		pendKey := actorKey(pendingApprovalPrefix, approval.ApproverType, approval.ApproverID)

		return s.watch(ctx, ErrAlreadyExists, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: approval id=%d", ErrAlreadyExists, approval.ID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if approval.Status == types.ApprovalPending {
					pipe.SAdd(ctx, pendKey, approval.ID)
				}
				return nil
			})
			return err
		}, key)
	})
}

// GetApproval retrieves an approval from Redis.
func (s *RedisStorage) GetApproval(ctx context.Context, id uint64) (types.WorkflowApproval, error) {
	return withContext(ctx, func() (types.WorkflowApproval, error) {
		return getJSON[types.WorkflowApproval](ctx, s.client, idKey(approvalPrefix, id))
	})
}

// ResolveApproval compare-and-sets the approval status and keeps the pending index in step.
func (s *RedisStorage) ResolveApproval(ctx context.Context, approval types.WorkflowApproval, expected types.ApprovalStatus) error {
	return withContextError(ctx, func() error {
		key := idKey(approvalPrefix, approval.ID)
		pendKey := actorKey(pendingApprovalPrefix, approval.ApproverType, approval.ApproverID)
		data, err := json.Marshal(approval)
		if err != nil {
			return fmt.Errorf("failed to marshal approval %d: %w", approval.ID, err)
		}

		return s.watch(ctx, ErrStatusConflict, func(tx *redis.Tx) error {
			cur, err := getJSON[types.WorkflowApproval](ctx, tx, key)
			if err != nil {
				return err
			}
			if cur.Status != expected {
				return fmt.Errorf("%w: approval %d is %s, expected %s", ErrStatusConflict, approval.ID, cur.Status, expected)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if approval.Status == types.ApprovalPending {
					pipe.SAdd(ctx, pendKey, approval.ID)
				} else {
					pipe.SRem(ctx, pendKey, approval.ID)
				}
				return nil
			})
			return err
		}, key)
	})
}

// GetPendingApprovals loads the approvals in the approver's pending set.
func (s *RedisStorage) GetPendingApprovals(ctx context.Context, approverID, approverType string) ([]types.WorkflowApproval, error) {
	return withContext(ctx, func() ([]types.WorkflowApproval, error) {
		pendKey := actorKey(pendingApprovalPrefix, approverType, approverID)
		ids, err := s.client.SMembers(ctx, pendKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", pendKey, err)
		}
		out := make([]types.WorkflowApproval, 0, len(ids))
		for _, raw := range ids {
			a, err := getJSON[types.WorkflowApproval](ctx, s.client, approvalPrefix+raw)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if a.Status == types.ApprovalPending {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// RolesForUser reads the role set of (userID, userType).
func (s *RedisStorage) RolesForUser(ctx context.Context, userID, userType string) ([]string, error) {
	return withContext(ctx, func() ([]string, error) {
		roles, err := s.client.SMembers(ctx, actorKey(userRolesPrefix, userType, userID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read roles of %s/%s: %w", userType, userID, err)
		}
		sort.Strings(roles)
		return roles, nil
	})
}

// RoleHasPermission checks membership in the role's permission set.
func (s *RedisStorage) RoleHasPermission(ctx context.Context, role string, perm types.Permission) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		ok, err := s.client.SIsMember(ctx, rolePermissionsPrefix+role, string(perm)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check permission %s of role %s: %w", perm, role, err)
		}
		return ok, nil
	})
}

// GrantRole adds a role to (userID, userType).
func (s *RedisStorage) GrantRole(ctx context.Context, userID, userType, role string) error {
	return withContextError(ctx, func() error {
		return s.client.SAdd(ctx, actorKey(userRolesPrefix, userType, userID), role).Err()
	})
}

// GrantPermission adds perm to role.
func (s *RedisStorage) GrantPermission(ctx context.Context, role string, perm types.Permission) error {
	return withContextError(ctx, func() error {
		return s.client.SAdd(ctx, rolePermissionsPrefix+role, string(perm)).Err()
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
