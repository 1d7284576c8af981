package types

// Permission is a named capability granted to roles, e.g. "can-approve-letters".
type Permission string

// ApprovalStatus is the lifecycle position of a WorkflowApproval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Actor identifies who performs an operation.
type Actor struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"` // "employee", "admin", ...
}

// WorkflowDefinition is a named, versioned state graph for one entity type.
// It is immutable once registered.
type WorkflowDefinition struct {
	ID          uint64               `json:"id" yaml:"id"`
	Name        string               `json:"name" yaml:"name"`
	EntityType  string               `json:"entity_type" yaml:"entity_type"`
	Version     int                  `json:"version" yaml:"version"`
	IsDefault   bool                 `json:"is_default" yaml:"is_default"`
	States      []WorkflowState      `json:"states" yaml:"states"`
	Transitions []WorkflowTransition `json:"transitions" yaml:"transitions"`
	CreatedAt   int64                `json:"created_at" yaml:"-"`
}

// WorkflowState is a node of a definition's graph.
type WorkflowState struct {
	ID         uint64 `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	IsInitial  bool   `json:"is_initial" yaml:"is_initial"`
	IsTerminal bool   `json:"is_terminal" yaml:"is_terminal"`
}

// WorkflowTransition is a directed edge between two states of the same definition.
type WorkflowTransition struct {
	ID                  uint64       `json:"id" yaml:"id"`
	Name                string       `json:"name" yaml:"name"`
	FromStateID         uint64       `json:"from_state_id" yaml:"from_state_id"`
	ToStateID           uint64       `json:"to_state_id" yaml:"to_state_id"`
	RequiredPermissions []Permission `json:"required_permissions,omitempty" yaml:"required_permissions"`
	ValidationRules     []string     `json:"validation_rules,omitempty" yaml:"validation_rules"` // expr expressions, all must hold
	RequiresApproval    bool         `json:"requires_approval,omitempty" yaml:"requires_approval"`
}

// WorkflowInstance is the live position of one governed entity in its definition.
type WorkflowInstance struct {
	ID             uint64 `json:"id"`
	DefinitionID   uint64 `json:"definition_id"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	CurrentStateID uint64 `json:"current_state_id"`
	Version        int64  `json:"version"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedBy      string `json:"updated_by,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
}

// WorkflowHistory is one executed transition. Rows are never mutated.
type WorkflowHistory struct {
	ID           uint64 `json:"id"`
	InstanceID   uint64 `json:"instance_id"`
	TransitionID uint64 `json:"transition_id"`
	FromStateID  uint64 `json:"from_state_id"`
	ToStateID    uint64 `json:"to_state_id"`
	ActorID      string `json:"actor_id"`
	ActorType    string `json:"actor_type"`
	Comments     string `json:"comments,omitempty"`
	ApprovalID   uint64 `json:"approval_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// WorkflowApproval is a human decision gating one transition of one instance.
type WorkflowApproval struct {
	ID           uint64         `json:"id"`
	InstanceID   uint64         `json:"instance_id"`
	TransitionID uint64         `json:"transition_id"`
	ApproverID   string         `json:"approver_id"`
	ApproverType string         `json:"approver_type"`
	Status       ApprovalStatus `json:"status"`
	RequestedBy  string         `json:"requested_by"`
	Comments     string         `json:"comments,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
	ResolvedAt   int64          `json:"resolved_at,omitempty"`
	CreatedAt    int64          `json:"created_at"`
}

// InitialState returns the state flagged as initial, if any.
func (d WorkflowDefinition) InitialState() (WorkflowState, bool) {
	for _, s := range d.States {
		if s.IsInitial {
			return s, true
		}
	}
	return WorkflowState{}, false
}

// State finds a state by ID.
func (d WorkflowDefinition) State(id uint64) (WorkflowState, bool) {
	for _, s := range d.States {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowState{}, false
}

// Transition finds a transition by ID.
func (d WorkflowDefinition) Transition(id uint64) (WorkflowTransition, bool) {
	for _, t := range d.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return WorkflowTransition{}, false
}

// Edge finds the transition from -> to.
func (d WorkflowDefinition) Edge(from, to uint64) (WorkflowTransition, bool) {
	for _, t := range d.Transitions {
		if t.FromStateID == from && t.ToStateID == to {
			return t, true
		}
	}
	return WorkflowTransition{}, false
}

// Outgoing lists the transitions leaving a state.
func (d WorkflowDefinition) Outgoing(from uint64) []WorkflowTransition {
	var out []WorkflowTransition
	for _, t := range d.Transitions {
		if t.FromStateID == from {
			out = append(out, t)
		}
	}
	return out
}

// IsResolved reports whether the approval left the pending status.
func (a WorkflowApproval) IsResolved() bool {
	return a.Status != ApprovalPending
}
