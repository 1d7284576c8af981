package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/letter-workflow/types"
)

//go:embed postgres_schema.sql
var postgresSchema string

const (
	pgUniqueViolation = "23505"

	defaultDefinitionIndex = "workflow_definitions_default_idx"
)

// PostgresStorage is a PostgreSQL implementation of Storage and RoleStore.
// Every compare-and-swap runs inside its own transaction.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgresStorage.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the tables used by PostgresStorage if they are missing.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// definitionInsertError tells a duplicate ID apart from a second default
// for the same entity type slipping in between demote and insert.
func definitionInsertError(def types.WorkflowDefinition, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return fmt.Errorf("failed to insert definition %d: %w", def.ID, err)
	}
	if pgErr.ConstraintName == defaultDefinitionIndex {
		return fmt.Errorf("%w: entity type %q, definition id=%d", ErrDefaultConflict, def.EntityType, def.ID)
	}
	return fmt.Errorf("%w: definition id=%d", ErrAlreadyExists, def.ID)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("failed to query %s: %w", what, err)
}

// inTx runs fn in a transaction that is rolled back unless fn succeeds.
func (s *PostgresStorage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveDefinition inserts a definition, demoting the previous default in the same transaction.
func (s *PostgresStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition %d: %w", def.ID, err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if def.IsDefault {
			if _, err := tx.Exec(ctx,
				"UPDATE workflow_definitions SET is_default = FALSE WHERE entity_type = $1 AND is_default",
				def.EntityType); err != nil {
				return fmt.Errorf("failed to demote default definition: %w", err)
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO workflow_definitions (id, entity_type, name, version, is_default, body, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			int64(def.ID), def.EntityType, def.Name, def.Version, def.IsDefault, body, def.CreatedAt)
		if err != nil {
			return definitionInsertError(def, err)
		}
		return nil
	})
}

func scanDefinition(row pgx.Row, what string) (types.WorkflowDefinition, error) {
	var (
		body      []byte
		isDefault bool
	)
	if err := row.Scan(&body, &isDefault); err != nil {
		return types.WorkflowDefinition{}, notFound(err, what)
	}
	var def types.WorkflowDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	def.IsDefault = isDefault
	return def, nil
}

// GetDefinition retrieves a definition by ID.
func (s *PostgresStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx, "SELECT body, is_default FROM workflow_definitions WHERE id = $1", int64(id))
	return scanDefinition(row, fmt.Sprintf("definition id=%d", id))
}

// GetDefaultDefinition retrieves the default definition of an entity type.
func (s *PostgresStorage) GetDefaultDefinition(ctx context.Context, entityType string) (types.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx,
		"SELECT body, is_default FROM workflow_definitions WHERE entity_type = $1 AND is_default", entityType)
	return scanDefinition(row, fmt.Sprintf("default definition for %q", entityType))
}

// CreateInstance inserts an instance; the (entity_type, entity_id) constraint rejects duplicates.
func (s *PostgresStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_instances
		 (id, definition_id, entity_type, entity_id, current_state_id, version, created_by, created_at, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(inst.ID), int64(inst.DefinitionID), inst.EntityType, inst.EntityID, int64(inst.CurrentStateID),
		inst.Version, inst.CreatedBy, inst.CreatedAt, inst.UpdatedBy, inst.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: instance for entity %s", ErrAlreadyExists, entityKey(inst.EntityType, inst.EntityID))
	}
	if err != nil {
		return fmt.Errorf("failed to insert instance %d: %w", inst.ID, err)
	}
	return nil
}

const instanceColumns = `id, definition_id, entity_type, entity_id, current_state_id, version,
	created_by, created_at, updated_by, updated_at`

func scanInstance(row pgx.Row, what string) (types.WorkflowInstance, error) {
	var (
		inst                   types.WorkflowInstance
		id, defID, currentStID int64
	)
	err := row.Scan(&id, &defID, &inst.EntityType, &inst.EntityID, &currentStID, &inst.Version,
		&inst.CreatedBy, &inst.CreatedAt, &inst.UpdatedBy, &inst.UpdatedAt)
	if err != nil {
		return types.WorkflowInstance{}, notFound(err, what)
	}
	inst.ID, inst.DefinitionID, inst.CurrentStateID = uint64(id), uint64(defID), uint64(currentStID)
	return inst, nil
}

// GetInstance retrieves an instance by ID.
func (s *PostgresStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	row := s.db.QueryRow(ctx, "SELECT "+instanceColumns+" FROM workflow_instances WHERE id = $1", int64(id))
	return scanInstance(row, fmt.Sprintf("instance id=%d", id))
}

// GetInstanceByEntity retrieves the instance governing an entity.
func (s *PostgresStorage) GetInstanceByEntity(ctx context.Context, entityType, entityID string) (types.WorkflowInstance, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances WHERE entity_type = $1 AND entity_id = $2",
		entityType, entityID)
	return scanInstance(row, "instance for entity "+entityKey(entityType, entityID))
}

// CommitTransition updates the instance guarded by its version and inserts the history row.
func (s *PostgresStorage) CommitTransition(ctx context.Context, inst types.WorkflowInstance, expectedVersion int64, hist types.WorkflowHistory) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE workflow_instances
			 SET current_state_id = $1, version = $2, updated_by = $3, updated_at = $4
			 WHERE id = $5 AND version = $6`,
			int64(inst.CurrentStateID), inst.Version, inst.UpdatedBy, inst.UpdatedAt, int64(inst.ID), expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update instance %d: %w", inst.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)", int64(inst.ID)).Scan(&exists); err != nil {
				return fmt.Errorf("failed to query instance %d: %w", inst.ID, err)
			}
			if !exists {
				return fmt.Errorf("%w: id=%d", ErrNotFound, inst.ID)
			}
			return fmt.Errorf("%w: instance %d, expected version %d", ErrVersionConflict, inst.ID, expectedVersion)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO workflow_history
			 (id, instance_id, transition_id, from_state_id, to_state_id, actor_id, actor_type, comments, approval_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			int64(hist.ID), int64(hist.InstanceID), int64(hist.TransitionID), int64(hist.FromStateID), int64(hist.ToStateID),
			hist.ActorID, hist.ActorType, hist.Comments, int64(hist.ApprovalID), hist.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert history %d: %w", hist.ID, err)
		}
		return nil
	})
}

// GetHistory lists history rows in insertion order.
func (s *PostgresStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.WorkflowHistory, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, instance_id, transition_id, from_state_id, to_state_id, actor_id, actor_type, comments, approval_id, created_at
		 FROM workflow_history WHERE instance_id = $1 ORDER BY seq`, int64(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to query history of instance %d: %w", instanceID, err)
	}
	defer rows.Close()

	var history []types.WorkflowHistory
	for rows.Next() {
		var (
			h                                      types.WorkflowHistory
			id, instID, trID, from, to, approvalID int64
		)
		if err := rows.Scan(&id, &instID, &trID, &from, &to, &h.ActorID, &h.ActorType, &h.Comments, &approvalID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		h.ID, h.InstanceID, h.TransitionID = uint64(id), uint64(instID), uint64(trID)
		h.FromStateID, h.ToStateID, h.ApprovalID = uint64(from), uint64(to), uint64(approvalID)
		history = append(history, h)
	}
	return history, rows.Err()
}

// CreateApproval inserts an approval request.
func (s *PostgresStorage) CreateApproval(ctx context.Context, a types.WorkflowApproval) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_approvals
		 (id, instance_id, transition_id, approver_id, approver_type, status, requested_by, comments, resolved_by, resolved_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		int64(a.ID), int64(a.InstanceID), int64(a.TransitionID), a.ApproverID, a.ApproverType, string(a.Status),
		a.RequestedBy, a.Comments, a.ResolvedBy, a.ResolvedAt, a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: approval id=%d", ErrAlreadyExists, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert approval %d: %w", a.ID, err)
	}
	return nil
}

const approvalColumns = `id, instance_id, transition_id, approver_id, approver_type, status,
	requested_by, comments, resolved_by, resolved_at, created_at`

func scanApproval(row pgx.Row) (types.WorkflowApproval, error) {
	var (
		a                types.WorkflowApproval
		id, instID, trID int64
		status           string
	)
	err := row.Scan(&id, &instID, &trID, &a.ApproverID, &a.ApproverType, &status,
		&a.RequestedBy, &a.Comments, &a.ResolvedBy, &a.ResolvedAt, &a.CreatedAt)
	if err != nil {
		return types.WorkflowApproval{}, err
	}
	a.ID, a.InstanceID, a.TransitionID = uint64(id), uint64(instID), uint64(trID)
	a.Status = types.ApprovalStatus(status)
	return a, nil
}

// GetApproval retrieves an approval by ID.
func (s *PostgresStorage) GetApproval(ctx context.Context, id uint64) (types.WorkflowApproval, error) {
	row := s.db.QueryRow(ctx, "SELECT "+approvalColumns+" FROM workflow_approvals WHERE id = $1", int64(id))
	a, err := scanApproval(row)
	if err != nil {
		return types.WorkflowApproval{}, notFound(err, fmt.Sprintf("approval id=%d", id))
	}
	return a, nil
}

// ResolveApproval updates the approval only while its status equals expected.
func (s *PostgresStorage) ResolveApproval(ctx context.Context, a types.WorkflowApproval, expected types.ApprovalStatus) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE workflow_approvals
			 SET status = $1, comments = $2, resolved_by = $3, resolved_at = $4
			 WHERE id = $5 AND status = $6`,
			string(a.Status), a.Comments, a.ResolvedBy, a.ResolvedAt, int64(a.ID), string(expected))
		if err != nil {
			return fmt.Errorf("failed to update approval %d: %w", a.ID, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_approvals WHERE id = $1)", int64(a.ID)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to query approval %d: %w", a.ID, err)
		}
		if !exists {
			return fmt.Errorf("%w: id=%d", ErrNotFound, a.ID)
		}
		return fmt.Errorf("%w: approval %d, expected %s", ErrStatusConflict, a.ID, expected)
	})
}

// GetPendingApprovals lists the pending approvals of an approver, oldest first.
func (s *PostgresStorage) GetPendingApprovals(ctx context.Context, approverID, approverType string) ([]types.WorkflowApproval, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+approvalColumns+` FROM workflow_approvals
		 WHERE approver_id = $1 AND approver_type = $2 AND status = 'pending' ORDER BY id`,
		approverID, approverType)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []types.WorkflowApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RolesForUser lists the roles of (userID, userType).
func (s *PostgresStorage) RolesForUser(ctx context.Context, userID, userType string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		"SELECT role FROM user_roles WHERE user_id = $1 AND user_type = $2 ORDER BY role", userID, userType)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles of %s/%s: %w", userType, userID, err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleHasPermission reports whether role grants perm.
func (s *PostgresStorage) RoleHasPermission(ctx context.Context, role string, perm types.Permission) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM role_permissions WHERE role = $1 AND permission = $2)",
		role, string(perm)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check permission %s of role %s: %w", perm, role, err)
	}
	return ok, nil
}

// GrantRole assigns a role to (userID, userType).
func (s *PostgresStorage) GrantRole(ctx context.Context, userID, userType, role string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO user_roles (user_id, user_type, role) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		userID, userType, role)
	return err
}

// GrantPermission adds perm to role.
func (s *PostgresStorage) GrantPermission(ctx context.Context, role string, perm types.Permission) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO role_permissions (role, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		role, string(perm))
	return err
}
