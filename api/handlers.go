package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/songzhibin97/letter-workflow/types"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// Health returns basic health status (always returns 200 OK)
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "letterflow",
	})
}

// RegisterDefinition stores a new workflow definition
// (POST /api/v1/definitions)
func (s *Server) RegisterDefinition(c echo.Context) error {
	var def types.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.engine.RegisterDefinition(c.Request().Context(), def); err != nil {
		return err
	}
	stored, err := s.engine.GetDefinition(c.Request().Context(), def.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, stored)
}

// GetDefinition returns a definition
// (GET /api/v1/definitions/:id)
func (s *Server) GetDefinition(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	def, err := s.engine.GetDefinition(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// GetDefaultDefinition returns the default definition of an entity type
// (GET /api/v1/definitions/default/:entityType)
func (s *Server) GetDefaultDefinition(c echo.Context) error {
	def, err := s.engine.GetDefaultDefinition(c.Request().Context(), c.Param("entityType"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// InitializeRequest starts the workflow of an entity.
type InitializeRequest struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// InitializeWorkflow creates the instance of an entity
// (POST /api/v1/instances)
func (s *Server) InitializeWorkflow(c echo.Context) error {
	var req InitializeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.EntityID == "" || req.EntityType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entity_id and entity_type are required")
	}
	inst, err := s.engine.InitializeWorkflow(c.Request().Context(), req.EntityID, req.EntityType, actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inst)
}

// GetInstance returns an instance
// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	inst, err := s.engine.GetInstance(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// GetInstanceForEntity returns the instance governing an entity
// (GET /api/v1/entities/:entityType/:entityID/instance)
func (s *Server) GetInstanceForEntity(c echo.Context) error {
	inst, err := s.engine.GetInstanceForEntity(c.Request().Context(), c.Param("entityType"), c.Param("entityID"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// GetHistory returns the audit trail of an instance
// (GET /api/v1/instances/:id/history)
func (s *Server) GetHistory(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	history, err := s.engine.GetHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if history == nil {
		history = []types.WorkflowHistory{}
	}
	return c.JSON(http.StatusOK, history)
}

// AvailableTransitions lists the transitions the caller may take
// (GET /api/v1/instances/:id/transitions)
func (s *Server) AvailableTransitions(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	transitions, err := s.engine.AvailableTransitions(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transitions)
}

// TransitionRequest moves an instance to another state.
type TransitionRequest struct {
	ToStateID uint64 `json:"to_state_id"`
	Comments  string `json:"comments"`
}

// TransitionToState executes a transition
// (POST /api/v1/instances/:id/transitions)
func (s *Server) TransitionToState(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	hist, err := s.engine.TransitionToState(c.Request().Context(), id, req.ToStateID, actorOf(c), req.Comments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hist)
}

// ValidationResult reports a successful validation.
type ValidationResult struct {
	Valid bool `json:"valid"`
}

// ValidateTransition checks a transition without executing it
// (POST /api/v1/instances/:id/validate)
func (s *Server) ValidateTransition(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.engine.ValidateTransition(c.Request().Context(), id, req.ToStateID, actorOf(c)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ValidationResult{Valid: true})
}

// ApprovalRequest asks an approver to decide on a transition.
type ApprovalRequest struct {
	TransitionID uint64      `json:"transition_id"`
	Approver     types.Actor `json:"approver"`
}

// CreateApprovalRequest opens an approval
// (POST /api/v1/instances/:id/approvals)
func (s *Server) CreateApprovalRequest(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Approver.ID == "" || req.Approver.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver id and type are required")
	}
	approval, err := s.engine.CreateApprovalRequest(c.Request().Context(), id, req.TransitionID, req.Approver, actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, approval)
}

// GetApproval returns an approval
// (GET /api/v1/approvals/:id)
func (s *Server) GetApproval(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	approval, err := s.engine.GetApproval(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, approval)
}

// GetPendingApprovals lists the approvals waiting on the caller
// (GET /api/v1/approvals/pending)
func (s *Server) GetPendingApprovals(c echo.Context) error {
	approvals, err := s.engine.GetPendingApprovals(c.Request().Context(), actorOf(c))
	if err != nil {
		return err
	}
	if approvals == nil {
		approvals = []types.WorkflowApproval{}
	}
	return c.JSON(http.StatusOK, approvals)
}

// DecisionRequest carries the approver's comments.
type DecisionRequest struct {
	Comments string `json:"comments"`
}

// ApproveTransition approves and executes a transition
// (POST /api/v1/approvals/:id/approve)
func (s *Server) ApproveTransition(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	hist, err := s.engine.ApproveTransition(c.Request().Context(), id, actorOf(c), req.Comments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hist)
}

// RejectTransition rejects a transition
// (POST /api/v1/approvals/:id/reject)
func (s *Server) RejectTransition(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	approval, err := s.engine.RejectTransition(c.Request().Context(), id, actorOf(c), req.Comments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, approval)
}
