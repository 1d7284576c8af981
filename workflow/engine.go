package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/letter-workflow/auth"
	"github.com/songzhibin97/letter-workflow/events"
	"github.com/songzhibin97/letter-workflow/rules"
	"github.com/songzhibin97/letter-workflow/storage"
	"github.com/songzhibin97/letter-workflow/types"
)

// DefaultMaxConflictRetries is how often a transition is re-validated and
// retried after losing a version race.
const DefaultMaxConflictRetries = 3

// Approval decisions reported by Metrics.
const (
	DecisionRequested = "requested"
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionReverted  = "reverted"
)

// EntityLoader supplies the governed entity to validation rules as `entity`.
type EntityLoader interface {
	LoadEntity(ctx context.Context, entityType, entityID string) (map[string]interface{}, error)
}

// EntityLoaderFunc adapts a function to EntityLoader.
type EntityLoaderFunc func(ctx context.Context, entityType, entityID string) (map[string]interface{}, error)

// LoadEntity implements EntityLoader.
func (f EntityLoaderFunc) LoadEntity(ctx context.Context, entityType, entityID string) (map[string]interface{}, error) {
	return f(ctx, entityType, entityID)
}

// Engine moves governed entities through their workflow definitions.
type Engine struct {
	definitions map[uint64]types.WorkflowDefinition
	mu          sync.RWMutex

	storage   storage.Storage
	gate      auth.Gate
	evaluator rules.Evaluator
	catalog   *auth.Catalog
	loader    EntityLoader
	eventBus  *events.EventBus
	metrics   *Metrics
	logger    *zap.Logger
	generate  generator.Generator
	now       func() time.Time

	maxConflictRetries int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvaluator replaces the expr-based rule evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithEntityLoader sets the source of the `entity` rule variable.
func WithEntityLoader(loader EntityLoader) Option {
	return func(e *Engine) { e.loader = loader }
}

// WithCatalog restricts definitions to the permissions in catalog.
func WithCatalog(catalog *auth.Catalog) Option {
	return func(e *Engine) { e.catalog = catalog }
}

// WithConflictRetries sets how many times a transition that lost a version
// race is retried. Zero surfaces the first conflict.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxConflictRetries = n
		}
	}
}

// WithEventBus publishes lifecycle events on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine. A nil store means in-memory storage; a nil
// gate means a RoleGate over the store when it is a storage.RoleStore.
func NewEngine(generate generator.Generator, store storage.Storage, gate auth.Gate, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	if store == nil {
		store = storage.NewMemoryStorage()
	}

	if gate == nil {
		roles, ok := store.(storage.RoleStore)
		if !ok {
			return nil, errors.New("gate is required")
		}
		gate = auth.NewRoleGate(roles)
	}

	e := &Engine{
		definitions:        make(map[uint64]types.WorkflowDefinition),
		storage:            store,
		gate:               gate,
		evaluator:          rules.NewExprEvaluator(),
		logger:             zap.NewNop(),
		generate:           generate,
		now:                time.Now,
		maxConflictRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow"))
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType events.Type, handler events.EventHandler) events.Subscription {
	return e.eventBus.Subscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterDefinition validates and persists a definition. Definitions are
// immutable: an existing ID is a conflict.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	const op = "register definition"
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := ValidateDefinition(def, e.catalog, e.evaluator); err != nil {
		e.logger.Warn("definition rejected",
			zap.String("operation", op),
			zap.Uint64("definition_id", def.ID),
			zap.Error(err))
		return newError(KindInvalidDefinition, op, err)
	}

	def.CreatedAt = e.now().UnixMilli()
	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errorf(KindConflict, op, "%w: %d", ErrDefinitionExists, def.ID)
		}
		e.logger.Error("failed to save definition",
			zap.String("operation", op),
			zap.Uint64("definition_id", def.ID),
			zap.Error(err))
		return storeError(op, err, nil)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	e.logger.Info("definition registered",
		zap.Uint64("definition_id", def.ID),
		zap.String("entity_type", def.EntityType),
		zap.Int("version", def.Version),
		zap.Bool("default", def.IsDefault))
	return nil
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (*types.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, err := e.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, storeError("get definition", err, ErrDefinitionNotFound)
	}
	return &def, nil
}

// GetDefaultDefinition retrieves the default definition of an entity type.
func (e *Engine) GetDefaultDefinition(ctx context.Context, entityType string) (*types.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, err := e.storage.GetDefaultDefinition(ctx, entityType)
	if err != nil {
		return nil, storeError("get default definition", err, ErrDefinitionNotFound)
	}
	return &def, nil
}

// getDefinition retrieves a definition by ID, checking cache first then storage.
// The graph of a definition never changes, so cached copies stay valid.
func (e *Engine) getDefinition(ctx context.Context, op string, id uint64) (types.WorkflowDefinition, error) {
	e.mu.RLock()
	def, ok := e.definitions[id]
	e.mu.RUnlock()

	if ok {
		return def, nil
	}

	def, err := e.storage.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, storeError(op, err, ErrDefinitionNotFound)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	return def, nil
}

func (e *Engine) getInstance(ctx context.Context, op string, id uint64) (types.WorkflowInstance, error) {
	inst, err := e.storage.GetInstance(ctx, id)
	if err != nil {
		return types.WorkflowInstance{}, storeError(op, err, ErrInstanceNotFound)
	}
	return inst, nil
}

// InitializeWorkflow places an entity on the initial state of the default
// definition for its type. An entity has at most one instance.
func (e *Engine) InitializeWorkflow(ctx context.Context, entityID, entityType string, actor types.Actor) (*types.WorkflowInstance, error) {
	const op = "initialize workflow"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if entityID == "" || entityType == "" {
		return nil, errorf(KindInvalidState, op, "entity id and type are required")
	}

	log := e.logger.With(
		zap.String("operation", op),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor_id", actor.ID))

	def, err := e.storage.GetDefaultDefinition(ctx, entityType)
	if err != nil {
		err = storeError(op, err, ErrDefinitionNotFound)
		log.Warn("no default definition", zap.Error(err))
		return nil, err
	}

	initial, ok := def.InitialState()
	if !ok {
		log.Error("definition has no initial state", zap.Uint64("definition_id", def.ID))
		return nil, newError(KindInvalidDefinition, op, ErrNoInitialState)
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, errorf(KindInfra, op, "failed to generate ID: %w", err)
	}

	now := e.now().UnixMilli()
	inst := types.WorkflowInstance{
		ID:             id,
		DefinitionID:   def.ID,
		EntityType:     entityType,
		EntityID:       entityID,
		CurrentStateID: initial.ID,
		Version:        1,
		CreatedBy:      actor.ID,
		CreatedAt:      now,
		UpdatedBy:      actor.ID,
		UpdatedAt:      now,
	}

	if err := e.storage.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			log.Warn("entity already has an instance")
			return nil, errorf(KindConflict, op, "%w: %s %s", ErrInstanceExists, entityType, entityID)
		}
		log.Error("failed to create instance", zap.Error(err))
		return nil, storeError(op, err, nil)
	}

	e.publishEvent(ctx, events.InstanceInitialized, inst, map[string]interface{}{
		"definition_id": def.ID,
		"state_id":      inst.CurrentStateID,
		"actor_id":      actor.ID,
	})

	return &inst, nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, err := e.getInstance(ctx, "get instance", instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstanceForEntity retrieves the instance governing an entity.
func (e *Engine) GetInstanceForEntity(ctx context.Context, entityType, entityID string) (*types.WorkflowInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, err := e.storage.GetInstanceByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, storeError("get instance for entity", err, ErrInstanceNotFound)
	}
	return &inst, nil
}

// ValidateTransition reports why the actor may not move the instance to
// toStateID, or nil if the move is allowed.
func (e *Engine) ValidateTransition(ctx context.Context, instanceID, toStateID uint64, actor types.Actor) error {
	const op = "validate transition"
	if err := ctx.Err(); err != nil {
		return err
	}

	inst, err := e.getInstance(ctx, op, instanceID)
	if err != nil {
		return err
	}
	def, err := e.getDefinition(ctx, op, inst.DefinitionID)
	if err != nil {
		return err
	}
	t, ok := def.Edge(inst.CurrentStateID, toStateID)
	if !ok {
		return errorf(KindNotFound, op, "%w: state %d to %d", ErrTransitionNotFound, inst.CurrentStateID, toStateID)
	}
	return e.validate(ctx, op, inst, t, actor)
}

// validate checks permissions (all of them, stopping at the first missing
// one) and then validation rules.
func (e *Engine) validate(ctx context.Context, op string, inst types.WorkflowInstance, t types.WorkflowTransition, actor types.Actor) error {
	for _, perm := range t.RequiredPermissions {
		ok, err := e.gate.HasPermission(ctx, actor.ID, actor.Type, perm)
		if err != nil {
			return errorf(KindInfra, op, "permission check failed: %w", err)
		}
		if !ok {
			return errorf(KindForbidden, op, "%w: %s/%s lacks %q", ErrPermissionDenied, actor.Type, actor.ID, perm)
		}
	}

	if len(t.ValidationRules) == 0 {
		return nil
	}

	env, err := e.ruleEnv(ctx, inst, t, actor)
	if err != nil {
		return errorf(KindInfra, op, "failed to load entity: %w", err)
	}
	for _, rule := range t.ValidationRules {
		ok, err := e.evaluator.Evaluate(rule, env)
		if err != nil {
			return errorf(KindInvalidState, op, "%w: %q: %v", ErrValidationFailed, rule, err)
		}
		if !ok {
			return errorf(KindInvalidState, op, "%w: %q", ErrValidationFailed, rule)
		}
	}
	return nil
}

func (e *Engine) ruleEnv(ctx context.Context, inst types.WorkflowInstance, t types.WorkflowTransition, actor types.Actor) (map[string]interface{}, error) {
	env := map[string]interface{}{
		"entity_id":   inst.EntityID,
		"entity_type": inst.EntityType,
		"from_state":  t.FromStateID,
		"to_state":    t.ToStateID,
		"user_id":     actor.ID,
		"user_type":   actor.Type,
	}
	if e.loader != nil {
		entity, err := e.loader.LoadEntity(ctx, inst.EntityType, inst.EntityID)
		if err != nil {
			return nil, err
		}
		env["entity"] = entity
	}
	return env, nil
}

// AvailableTransitions lists the transitions leaving the current state whose
// permissions the actor holds. Validation rules are not evaluated.
func (e *Engine) AvailableTransitions(ctx context.Context, instanceID uint64, actor types.Actor) ([]types.WorkflowTransition, error) {
	const op = "available transitions"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inst, err := e.getInstance(ctx, op, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.getDefinition(ctx, op, inst.DefinitionID)
	if err != nil {
		return nil, err
	}

	available := make([]types.WorkflowTransition, 0)
outer:
	for _, t := range def.Outgoing(inst.CurrentStateID) {
		for _, perm := range t.RequiredPermissions {
			ok, err := e.gate.HasPermission(ctx, actor.ID, actor.Type, perm)
			if err != nil {
				return nil, errorf(KindInfra, op, "permission check failed: %w", err)
			}
			if !ok {
				continue outer
			}
		}
		available = append(available, t)
	}
	return available, nil
}

// TransitionToState moves the instance to toStateID and records the move.
// Transitions that require approval run only through ApproveTransition.
func (e *Engine) TransitionToState(ctx context.Context, instanceID, toStateID uint64, actor types.Actor, comments string) (*types.WorkflowHistory, error) {
	const op = "transition to state"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := e.now()
	hist, inst, err := e.commitTransition(ctx, op, instanceID, toStateID, actor, comments, nil)
	e.metrics.recordTransition(inst.EntityType, err, e.now().Sub(start))
	if err != nil {
		e.transitionFailed(ctx, op, inst, toStateID, actor, err)
		return nil, err
	}
	return hist, nil
}

// commitTransition validates and commits one transition, retrying after a
// lost version race. With approval set, the approved transition is executed
// and toStateID is ignored.
func (e *Engine) commitTransition(
	ctx context.Context,
	op string,
	instanceID, toStateID uint64,
	actor types.Actor,
	comments string,
	approval *types.WorkflowApproval,
) (*types.WorkflowHistory, types.WorkflowInstance, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, types.WorkflowInstance{ID: instanceID}, err
		}

		inst, err := e.getInstance(ctx, op, instanceID)
		if err != nil {
			return nil, types.WorkflowInstance{ID: instanceID}, err
		}
		def, err := e.getDefinition(ctx, op, inst.DefinitionID)
		if err != nil {
			return nil, inst, err
		}

		var t types.WorkflowTransition
		if approval != nil {
			var ok bool
			if t, ok = def.Transition(approval.TransitionID); !ok {
				return nil, inst, errorf(KindNotFound, op, "%w: %d", ErrTransitionNotFound, approval.TransitionID)
			}
			if t.FromStateID != inst.CurrentStateID {
				return nil, inst, errorf(KindInvalidState, op,
					"transition %d leaves state %d, instance is in state %d", t.ID, t.FromStateID, inst.CurrentStateID)
			}
		} else {
			var ok bool
			if t, ok = def.Edge(inst.CurrentStateID, toStateID); !ok {
				return nil, inst, errorf(KindNotFound, op, "%w: state %d to %d", ErrTransitionNotFound, inst.CurrentStateID, toStateID)
			}
			if t.RequiresApproval {
				return nil, inst, errorf(KindForbidden, op, "%w: transition %d", ErrApprovalRequired, t.ID)
			}
		}

		if err := e.validate(ctx, op, inst, t, actor); err != nil {
			return nil, inst, err
		}

		histID, err := e.GenerateID()
		if err != nil {
			return nil, inst, errorf(KindInfra, op, "failed to generate ID: %w", err)
		}

		now := e.now().UnixMilli()
		hist := types.WorkflowHistory{
			ID:           histID,
			InstanceID:   inst.ID,
			TransitionID: t.ID,
			FromStateID:  inst.CurrentStateID,
			ToStateID:    t.ToStateID,
			ActorID:      actor.ID,
			ActorType:    actor.Type,
			Comments:     comments,
			CreatedAt:    now,
		}
		if approval != nil {
			hist.ApprovalID = approval.ID
		}

		next := inst
		next.CurrentStateID = t.ToStateID
		next.Version = inst.Version + 1
		next.UpdatedBy = actor.ID
		next.UpdatedAt = now

		err = e.storage.CommitTransition(ctx, next, inst.Version, hist)
		if errors.Is(err, storage.ErrVersionConflict) {
			if attempt < e.maxConflictRetries {
				e.logger.Debug("version conflict, retrying",
					zap.String("operation", op),
					zap.Uint64("instance_id", inst.ID),
					zap.Int64("version", inst.Version),
					zap.Int("attempt", attempt+1))
				continue
			}
			return nil, inst, errorf(KindConflict, op, "%w: gave up after %d attempts", ErrVersionConflict, attempt+1)
		}
		if err != nil {
			return nil, inst, storeError(op, err, ErrInstanceNotFound)
		}

		e.publishEvent(ctx, events.StateChanged, next, map[string]interface{}{
			"transition_id": t.ID,
			"from_state_id": hist.FromStateID,
			"to_state_id":   hist.ToStateID,
			"actor_id":      actor.ID,
			"approval_id":   hist.ApprovalID,
		})
		return &hist, next, nil
	}
}

func (e *Engine) transitionFailed(ctx context.Context, op string, inst types.WorkflowInstance, toStateID uint64, actor types.Actor, err error) {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.Uint64("instance_id", inst.ID),
		zap.Uint64("to_state_id", toStateID),
		zap.String("actor_id", actor.ID),
		zap.String("actor_type", actor.Type),
		zap.String("kind", KindOf(err).String()),
		zap.Error(err),
	}
	switch KindOf(err) {
	case KindForbidden, KindInvalidState:
		e.logger.Warn("transition rejected", fields...)
		e.publishEvent(ctx, events.TransitionRejected, inst, map[string]interface{}{
			"to_state_id": toStateID,
			"actor_id":    actor.ID,
			"reason":      err.Error(),
		})
	case KindNotFound, KindConflict:
		e.logger.Warn("transition failed", fields...)
	default:
		e.logger.Error("transition failed", fields...)
	}
}

// GetHistory lists the executed transitions of an instance in order.
func (e *Engine) GetHistory(ctx context.Context, instanceID uint64) ([]types.WorkflowHistory, error) {
	const op = "get history"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := e.getInstance(ctx, op, instanceID); err != nil {
		return nil, err
	}
	history, err := e.storage.GetHistory(ctx, instanceID)
	if err != nil {
		return nil, storeError(op, err, ErrInstanceNotFound)
	}
	return history, nil
}

// CreateApprovalRequest asks approver to decide on a transition of an
// instance. Whether the transition leaves the current state is checked when
// the approval is resolved.
func (e *Engine) CreateApprovalRequest(ctx context.Context, instanceID, transitionID uint64, approver, requestedBy types.Actor) (*types.WorkflowApproval, error) {
	const op = "create approval request"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if approver.ID == "" {
		return nil, errorf(KindInvalidState, op, "approver is required")
	}

	log := e.logger.With(
		zap.String("operation", op),
		zap.Uint64("instance_id", instanceID),
		zap.Uint64("transition_id", transitionID),
		zap.String("approver_id", approver.ID))

	inst, err := e.getInstance(ctx, op, instanceID)
	if err != nil {
		log.Warn("approval request failed", zap.Error(err))
		return nil, err
	}
	def, err := e.getDefinition(ctx, op, inst.DefinitionID)
	if err != nil {
		log.Error("approval request failed", zap.Error(err))
		return nil, err
	}
	if _, ok := def.Transition(transitionID); !ok {
		log.Warn("approval request for unknown transition")
		return nil, errorf(KindNotFound, op, "%w: %d", ErrTransitionNotFound, transitionID)
	}
	if approver == requestedBy {
		log.Warn("approval request names the requester as approver")
		return nil, errorf(KindForbidden, op, "%w: %s/%s", ErrSelfApproval, approver.Type, approver.ID)
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, errorf(KindInfra, op, "failed to generate ID: %w", err)
	}

	approval := types.WorkflowApproval{
		ID:           id,
		InstanceID:   inst.ID,
		TransitionID: transitionID,
		ApproverID:   approver.ID,
		ApproverType: approver.Type,
		Status:       types.ApprovalPending,
		RequestedBy:  requestedBy.ID,
		CreatedAt:    e.now().UnixMilli(),
	}
	if err := e.storage.CreateApproval(ctx, approval); err != nil {
		log.Error("failed to create approval", zap.Error(err))
		return nil, storeError(op, err, nil)
	}

	e.metrics.recordApproval(DecisionRequested)
	e.publishEvent(ctx, events.ApprovalRequested, inst, map[string]interface{}{
		"approval_id":   approval.ID,
		"transition_id": transitionID,
		"approver_id":   approver.ID,
		"approver_type": approver.Type,
		"requested_by":  requestedBy.ID,
	})
	return &approval, nil
}

// GetApproval retrieves an approval by ID.
func (e *Engine) GetApproval(ctx context.Context, approvalID uint64) (*types.WorkflowApproval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	approval, err := e.storage.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, storeError("get approval", err, ErrApprovalNotFound)
	}
	return &approval, nil
}

// GetPendingApprovals lists the approvals waiting on approver.
func (e *Engine) GetPendingApprovals(ctx context.Context, approver types.Actor) ([]types.WorkflowApproval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	approvals, err := e.storage.GetPendingApprovals(ctx, approver.ID, approver.Type)
	if err != nil {
		return nil, storeError("get pending approvals", err, nil)
	}
	return approvals, nil
}

// resolve marks a pending approval with status on behalf of actor.
func (e *Engine) resolve(ctx context.Context, op string, approvalID uint64, actor types.Actor, status types.ApprovalStatus, comments string) (types.WorkflowApproval, types.WorkflowApproval, error) {
	pending, err := e.storage.GetApproval(ctx, approvalID)
	if err != nil {
		return types.WorkflowApproval{}, types.WorkflowApproval{}, storeError(op, err, ErrApprovalNotFound)
	}
	if pending.IsResolved() {
		return pending, types.WorkflowApproval{}, errorf(KindInvalidState, op, "%w: %d is %s", ErrApprovalResolved, pending.ID, pending.Status)
	}
	if pending.ApproverID != actor.ID || pending.ApproverType != actor.Type {
		return pending, types.WorkflowApproval{}, errorf(KindForbidden, op, "%w: %d", ErrNotApprover, pending.ID)
	}

	resolved := pending
	resolved.Status = status
	resolved.Comments = comments
	resolved.ResolvedBy = actor.ID
	resolved.ResolvedAt = e.now().UnixMilli()

	if err := e.storage.ResolveApproval(ctx, resolved, types.ApprovalPending); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return pending, types.WorkflowApproval{}, errorf(KindInvalidState, op, "%w: %d", ErrApprovalResolved, pending.ID)
		}
		return pending, types.WorkflowApproval{}, storeError(op, err, ErrApprovalNotFound)
	}
	return pending, resolved, nil
}

// ApproveTransition approves a pending request and executes its transition
// as the approver. If the transition fails the approval returns to pending.
func (e *Engine) ApproveTransition(ctx context.Context, approvalID uint64, actor types.Actor, comments string) (*types.WorkflowHistory, error) {
	const op = "approve transition"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := e.logger.With(
		zap.String("operation", op),
		zap.Uint64("approval_id", approvalID),
		zap.String("actor_id", actor.ID),
		zap.String("actor_type", actor.Type))

	pending, resolved, err := e.resolve(ctx, op, approvalID, actor, types.ApprovalApproved, comments)
	if err != nil {
		log.Warn("approval failed", zap.String("kind", KindOf(err).String()), zap.Error(err))
		return nil, err
	}

	start := e.now()
	hist, inst, err := e.commitTransition(ctx, op, resolved.InstanceID, 0, actor, comments, &resolved)
	e.metrics.recordTransition(inst.EntityType, err, e.now().Sub(start))
	if err != nil {
		e.transitionFailed(ctx, op, inst, 0, actor, err)
		if revertErr := e.revertApproval(ctx, resolved, pending); revertErr != nil {
			log.Error("failed to revert approval",
				zap.Uint64("instance_id", resolved.InstanceID),
				zap.NamedError("transition_error", err),
				zap.Error(revertErr))
			return nil, fmt.Errorf("%w (approval left %s: %v)", err, resolved.Status, revertErr)
		}
		e.metrics.recordApproval(DecisionReverted)
		return nil, err
	}

	e.metrics.recordApproval(DecisionApproved)
	e.publishEvent(ctx, events.ApprovalResolved, inst, map[string]interface{}{
		"approval_id":   resolved.ID,
		"transition_id": resolved.TransitionID,
		"status":        string(resolved.Status),
		"resolved_by":   actor.ID,
		"history_id":    hist.ID,
	})
	return hist, nil
}

// revertApproval puts an approved request back to pending. It runs even when
// ctx was cancelled so a failed transition never leaves a stale approval.
func (e *Engine) revertApproval(ctx context.Context, resolved, pending types.WorkflowApproval) error {
	return e.storage.ResolveApproval(context.WithoutCancel(ctx), pending, resolved.Status)
}

// RejectTransition rejects a pending request. The instance is not touched.
func (e *Engine) RejectTransition(ctx context.Context, approvalID uint64, actor types.Actor, comments string) (*types.WorkflowApproval, error) {
	const op = "reject transition"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, resolved, err := e.resolve(ctx, op, approvalID, actor, types.ApprovalRejected, comments)
	if err != nil {
		e.logger.Warn("rejection failed",
			zap.String("operation", op),
			zap.Uint64("approval_id", approvalID),
			zap.String("actor_id", actor.ID),
			zap.String("kind", KindOf(err).String()),
			zap.Error(err))
		return nil, err
	}

	e.metrics.recordApproval(DecisionRejected)
	if inst, err := e.storage.GetInstance(ctx, resolved.InstanceID); err == nil {
		e.publishEvent(ctx, events.ApprovalResolved, inst, map[string]interface{}{
			"approval_id":   resolved.ID,
			"transition_id": resolved.TransitionID,
			"status":        string(resolved.Status),
			"resolved_by":   actor.ID,
		})
	}
	return &resolved, nil
}

// publishEvent queues an event; delivery problems never fail the operation.
func (e *Engine) publishEvent(ctx context.Context, eventType events.Type, inst types.WorkflowInstance, data map[string]interface{}) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Data:       data,
		OccurredAt: e.now().UnixMilli(),
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event",
			zap.String("event", string(eventType)),
			zap.Uint64("instance_id", inst.ID),
			zap.Error(err))
	}
}

// Stop closes the event bus, delivering events already queued.
func (e *Engine) Stop(ctx context.Context) error {
	return e.eventBus.Stop(ctx)
}
