package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/letter-workflow/auth"
	"github.com/songzhibin97/letter-workflow/storage"
	"github.com/songzhibin97/letter-workflow/types"
	"github.com/songzhibin97/letter-workflow/workflow"
)

type sequence struct{ n uint64 }

func (s *sequence) NextID() (uint64, error) { return atomic.AddUint64(&s.n, 1) + 1000, nil }

const definitionJSON = `{
  "id": 1, "name": "letter-approval", "entity_type": "Letter", "version": 1, "is_default": true,
  "states": [
    {"id": 1, "name": "Draft", "is_initial": true},
    {"id": 2, "name": "PendingApproval"},
    {"id": 3, "name": "Approved"},
    {"id": 4, "name": "Rejected", "is_terminal": true}
  ],
  "transitions": [
    {"id": 10, "name": "submit", "from_state_id": 1, "to_state_id": 2},
    {"id": 11, "name": "approve", "from_state_id": 2, "to_state_id": 3, "required_permissions": ["can-approve-letters"]},
    {"id": 12, "name": "reject", "from_state_id": 2, "to_state_id": 4, "required_permissions": ["can-approve-letters"]}
  ]
}`

type testServer struct {
	t     *testing.T
	e     *echo.Echo
	store *storage.MemoryStorage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemoryStorage()
	reg := prometheus.NewRegistry()
	engine, err := workflow.NewEngine(&sequence{}, store, nil, workflow.WithMetrics(workflow.NewMetrics(reg)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	ctx := context.Background()
	require.NoError(t, store.GrantRole(ctx, "admin", "employee", "workflow-admin"))
	require.NoError(t, store.GrantPermission(ctx, "workflow-admin", PermissionManageDefinitions))

	ts := &testServer{t: t, e: NewServer(engine, auth.NewRoleGate(store), nil, reg).Echo(), store: store}
	rec := ts.do(http.MethodPost, "/api/v1/definitions", "admin", definitionJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return ts
}

func (ts *testServer) do(method, path, user, body string) *httptest.ResponseRecorder {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserType, "employee")
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLetterLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.GrantRole(ctx, "bob", "employee", "hr-manager"))
	require.NoError(t, ts.store.GrantPermission(ctx, "hr-manager", "can-approve-letters"))

	rec := ts.do(http.MethodPost, "/api/v1/instances", "alice", `{"entity_id":"letter-42","entity_type":"Letter"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inst := decode[types.WorkflowInstance](t, rec)
	assert.Equal(t, uint64(1), inst.CurrentStateID)

	rec = ts.do(http.MethodGet, "/api/v1/entities/Letter/letter-42/instance", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inst.ID, decode[types.WorkflowInstance](t, rec).ID)

	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/transitions", inst.ID), "alice", `{"to_state_id":2,"comments":"ready"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hist := decode[types.WorkflowHistory](t, rec)
	assert.Equal(t, uint64(1), hist.FromStateID)
	assert.Equal(t, "ready", hist.Comments)

	rec = ts.do(http.MethodGet, fmt.Sprintf("/api/v1/instances/%d/transitions", inst.ID), "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.WorkflowTransition](t, rec), 2)

	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/approvals", inst.ID), "alice",
		`{"transition_id":11,"approver":{"id":"bob","type":"employee"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	approval := decode[types.WorkflowApproval](t, rec)
	assert.Equal(t, types.ApprovalPending, approval.Status)

	rec = ts.do(http.MethodGet, "/api/v1/approvals/pending", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.WorkflowApproval](t, rec), 1)

	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/approve", approval.ID), "bob", `{"comments":"looks good"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, approval.ID, decode[types.WorkflowHistory](t, rec).ApprovalID)

	rec = ts.do(http.MethodGet, fmt.Sprintf("/api/v1/instances/%d/history", inst.ID), "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.WorkflowHistory](t, rec), 2)

	rec = ts.do(http.MethodGet, fmt.Sprintf("/api/v1/approvals/%d", approval.ID), "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.ApprovalApproved, decode[types.WorkflowApproval](t, rec).Status)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/instances", "alice", `{"entity_id":"letter-42","entity_type":"Letter"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	inst := decode[types.WorkflowInstance](t, rec)
	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/transitions", inst.ID), "alice", `{"to_state_id":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/approvals", inst.ID), "alice",
		`{"transition_id":11,"approver":{"id":"bob","type":"employee"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	approval := decode[types.WorkflowApproval](t, rec)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		kind   string
	}{
		{"missing identity", http.MethodGet, fmt.Sprintf("/api/v1/instances/%d", inst.ID), "", "", http.StatusUnauthorized, ""},
		{"bad id", http.MethodGet, "/api/v1/instances/abc", "alice", "", http.StatusBadRequest, ""},
		{"unknown instance", http.MethodGet, "/api/v1/instances/999", "alice", "", http.StatusNotFound, "not_found"},
		{"illegal jump", http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/transitions", inst.ID), "alice", `{"to_state_id":1}`, http.StatusNotFound, "not_found"},
		{"missing permission", http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/validate", inst.ID), "alice", `{"to_state_id":3}`, http.StatusForbidden, "forbidden"},
		{"not the approver", http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/reject", approval.ID), "carol", `{}`, http.StatusForbidden, "forbidden"},
		{"second instance", http.MethodPost, "/api/v1/instances", "alice", `{"entity_id":"letter-42","entity_type":"Letter"}`, http.StatusConflict, "conflict"},
		{"invalid definition", http.MethodPost, "/api/v1/definitions", "admin", `{"id":2,"entity_type":"Memo","states":[{"id":1,"name":"Draft"}]}`, http.StatusUnprocessableEntity, "invalid_definition"},
		{"definition without permission", http.MethodPost, "/api/v1/definitions", "alice", `{"id":2,"entity_type":"Memo","states":[{"id":1,"name":"Draft","is_initial":true}]}`, http.StatusForbidden, ""},
		{"self approval", http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/approvals", inst.ID), "alice", `{"transition_id":11,"approver":{"id":"alice","type":"employee"}}`, http.StatusForbidden, "forbidden"},
		{"no default definition", http.MethodGet, "/api/v1/definitions/default/Memo", "alice", "", http.StatusNotFound, "not_found"},
		{"missing fields", http.MethodPost, "/api/v1/instances", "alice", `{"entity_id":"letter-43"}`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, tt.user, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))

			problem := decode[ProblemDetails](t, rec)
			assert.Equal(t, tt.status, problem.Status)
			assert.Equal(t, http.StatusText(tt.status), problem.Title)
			assert.Equal(t, tt.kind, problem.Kind)
		})
	}

	// Bob lacks the permission: the approval survives as pending
	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/approve", approval.ID), "bob", `{}`)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	rec = ts.do(http.MethodGet, fmt.Sprintf("/api/v1/approvals/%d", approval.ID), "bob", "")
	assert.Equal(t, types.ApprovalPending, decode[types.WorkflowApproval](t, rec).Status)

	// Double rejection
	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/reject", approval.ID), "bob", `{"comments":"no"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/approvals/%d/reject", approval.ID), "bob", `{}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decode[ProblemDetails](t, rec).Kind)
}

func TestRegisterDefinitionRequiresPermission(t *testing.T) {
	ts := newTestServer(t)

	takeover := `{
  "id": 2, "name": "open", "entity_type": "Letter", "version": 1, "is_default": true,
  "states": [{"id": 1, "name": "Draft", "is_initial": true}, {"id": 3, "name": "Approved"}],
  "transitions": [{"id": 20, "name": "approve", "from_state_id": 1, "to_state_id": 3}]
}`
	rec := ts.do(http.MethodPost, "/api/v1/definitions", "mallory", takeover)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Contains(t, decode[ProblemDetails](t, rec).Detail, string(PermissionManageDefinitions))

	rec = ts.do(http.MethodGet, "/api/v1/definitions/default/Letter", "mallory", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), decode[types.WorkflowDefinition](t, rec).ID)

	rec = ts.do(http.MethodGet, "/api/v1/definitions/2", "mallory", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Without a gate the route is closed to everyone
	engine, err := workflow.NewEngine(&sequence{}, storage.NewMemoryStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	closed := &testServer{t: t, e: NewServer(engine, nil, nil, nil).Echo()}
	rec = closed.do(http.MethodPost, "/api/v1/definitions", "admin", definitionJSON)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestRequestIDAndOperationalEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthStatus](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec = httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))

	rec = ts.do(http.MethodPost, "/api/v1/instances", "alice", `{"entity_id":"letter-1","entity_type":"Letter"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	inst := decode[types.WorkflowInstance](t, rec)
	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/v1/instances/%d/transitions", inst.ID), "alice", `{"to_state_id":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `letterflow_transitions_total{entity_type="Letter",outcome="committed"} 1`)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(workflow.KindNotFound))
	assert.Equal(t, http.StatusForbidden, statusOf(workflow.KindForbidden))
	assert.Equal(t, http.StatusConflict, statusOf(workflow.KindInvalidState))
	assert.Equal(t, http.StatusConflict, statusOf(workflow.KindConflict))
	assert.Equal(t, http.StatusUnprocessableEntity, statusOf(workflow.KindInvalidDefinition))
	assert.Equal(t, http.StatusInternalServerError, statusOf(workflow.KindInfra))
}
