// Package api exposes the workflow engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/songzhibin97/letter-workflow/auth"
	"github.com/songzhibin97/letter-workflow/types"
	"github.com/songzhibin97/letter-workflow/workflow"
)

// Identity headers set by the upstream gateway.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserType  = "X-User-Type"
	HeaderRequestID = echo.HeaderXRequestID

	actorKey = "actor"
)

// PermissionManageDefinitions is required to register workflow definitions.
const PermissionManageDefinitions types.Permission = "can-manage-workflows"

// Engine is the part of workflow.Engine the API serves.
type Engine interface {
	RegisterDefinition(ctx context.Context, def types.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id uint64) (*types.WorkflowDefinition, error)
	GetDefaultDefinition(ctx context.Context, entityType string) (*types.WorkflowDefinition, error)
	InitializeWorkflow(ctx context.Context, entityID, entityType string, actor types.Actor) (*types.WorkflowInstance, error)
	GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error)
	GetInstanceForEntity(ctx context.Context, entityType, entityID string) (*types.WorkflowInstance, error)
	ValidateTransition(ctx context.Context, instanceID, toStateID uint64, actor types.Actor) error
	TransitionToState(ctx context.Context, instanceID, toStateID uint64, actor types.Actor, comments string) (*types.WorkflowHistory, error)
	AvailableTransitions(ctx context.Context, instanceID uint64, actor types.Actor) ([]types.WorkflowTransition, error)
	GetHistory(ctx context.Context, instanceID uint64) ([]types.WorkflowHistory, error)
	CreateApprovalRequest(ctx context.Context, instanceID, transitionID uint64, approver, requestedBy types.Actor) (*types.WorkflowApproval, error)
	GetApproval(ctx context.Context, approvalID uint64) (*types.WorkflowApproval, error)
	GetPendingApprovals(ctx context.Context, approver types.Actor) ([]types.WorkflowApproval, error)
	ApproveTransition(ctx context.Context, approvalID uint64, actor types.Actor, comments string) (*types.WorkflowHistory, error)
	RejectTransition(ctx context.Context, approvalID uint64, actor types.Actor, comments string) (*types.WorkflowApproval, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	engine   Engine
	gate     auth.Gate
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

// NewServer creates a new Server. gate guards administrative routes; with a
// nil gate they are refused. gatherer backs /metrics and may be nil.
func NewServer(engine Engine, gate auth.Gate, logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		gate:     gate,
		logger:   logger.With(zap.String("component", "api")),
		gatherer: gatherer,
	}
}

// Echo builds the HTTP router.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(s.requestID)
	e.Use(s.accessLog)

	e.GET("/healthz", s.Health)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1", s.requireActor)
	v1.POST("/definitions", s.RegisterDefinition, s.requirePermission(PermissionManageDefinitions))
	v1.GET("/definitions/default/:entityType", s.GetDefaultDefinition)
	v1.GET("/definitions/:id", s.GetDefinition)

	v1.POST("/instances", s.InitializeWorkflow)
	v1.GET("/instances/:id", s.GetInstance)
	v1.GET("/entities/:entityType/:entityID/instance", s.GetInstanceForEntity)
	v1.GET("/instances/:id/history", s.GetHistory)
	v1.GET("/instances/:id/transitions", s.AvailableTransitions)
	v1.POST("/instances/:id/transitions", s.TransitionToState)
	v1.POST("/instances/:id/validate", s.ValidateTransition)
	v1.POST("/instances/:id/approvals", s.CreateApprovalRequest)

	v1.GET("/approvals/pending", s.GetPendingApprovals)
	v1.GET("/approvals/:id", s.GetApproval)
	v1.POST("/approvals/:id/approve", s.ApproveTransition)
	v1.POST("/approvals/:id/reject", s.RejectTransition)

	return e
}

// requestID propagates or assigns X-Request-ID.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Response().Header().Set(HeaderRequestID, id)
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info("request",
			zap.String("request_id", c.Response().Header().Get(HeaderRequestID)),
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("latency", time.Since(start)))
		return nil
	}
}

// requireActor reads the acting user from the identity headers.
func (s *Server) requireActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor := types.Actor{
			ID:   c.Request().Header.Get(HeaderUserID),
			Type: c.Request().Header.Get(HeaderUserType),
		}
		if actor.ID == "" || actor.Type == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderUserID+" or "+HeaderUserType+" header")
		}
		c.Set(actorKey, actor)
		return next(c)
	}
}

// requirePermission refuses actors the gate does not grant perm.
func (s *Server) requirePermission(perm types.Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := actorOf(c)
			if s.gate == nil {
				return echo.NewHTTPError(http.StatusForbidden, "route is disabled")
			}
			ok, err := s.gate.HasPermission(c.Request().Context(), actor.ID, actor.Type, perm)
			if err != nil {
				return fmt.Errorf("failed to check permission %s: %w", perm, err)
			}
			if !ok {
				s.logger.Warn("permission denied",
					zap.String("actor_id", actor.ID),
					zap.String("actor_type", actor.Type),
					zap.String("permission", string(perm)),
					zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusForbidden, "missing permission "+string(perm))
			}
			return next(c)
		}
	}
}

func actorOf(c echo.Context) types.Actor {
	actor, _ := c.Get(actorKey).(types.Actor)
	return actor
}

func idParam(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": "+c.Param(name))
	}
	return id, nil
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// statusOf maps an engine error kind to an HTTP status.
func statusOf(kind workflow.Kind) int {
	switch kind {
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindForbidden:
		return http.StatusForbidden
	case workflow.KindInvalidState, workflow.KindConflict:
		return http.StatusConflict
	case workflow.KindInvalidDefinition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes an RFC 7807 Problem Details JSON error response
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	problem := ProblemDetails{
		Type:     "about:blank",
		Instance: c.Request().URL.Path,
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		problem.Status = he.Code
		if msg, ok := he.Message.(string); ok {
			problem.Detail = msg
		} else {
			problem.Detail = http.StatusText(he.Code)
		}
	} else {
		kind := workflow.KindOf(err)
		problem.Status = statusOf(kind)
		problem.Kind = kind.String()
		problem.Detail = err.Error()
		if problem.Status == http.StatusInternalServerError {
			s.logger.Error("request failed",
				zap.String("request_id", c.Response().Header().Get(HeaderRequestID)),
				zap.String("path", c.Path()),
				zap.Error(err))
			problem.Detail = "internal error"
		}
	}
	problem.Title = http.StatusText(problem.Status)

	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if err := c.JSON(problem.Status, problem); err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}
