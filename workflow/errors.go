package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/letter-workflow/storage"
)

// Kind classifies engine failures so callers can map them to responses.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindConflict
	KindInvalidDefinition
	KindInfra
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindInvalidDefinition:
		return "invalid_definition"
	case KindInfra:
		return "infra"
	default:
		return "unknown"
	}
}

// Standard error definitions
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrDefinitionExists   = errors.New("workflow definition already exists")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrInstanceExists     = errors.New("entity already has a workflow instance")
	ErrTransitionNotFound = errors.New("transition not found")
	ErrApprovalNotFound   = errors.New("approval not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrApprovalRequired   = errors.New("transition requires approval")
	ErrNotApprover        = errors.New("actor is not the assigned approver")
	ErrSelfApproval       = errors.New("approver must differ from the requester")
	ErrValidationFailed   = errors.New("validation rule failed")
	ErrApprovalResolved   = errors.New("approval already resolved")
	ErrNoInitialState     = errors.New("workflow definition has no initial state")
	ErrVersionConflict    = errors.New("instance was modified concurrently")
)

// Error is the error type returned by every Engine operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err. Errors not produced by the engine are
// classified from the storage sentinels they wrap, then as KindInfra.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrDefaultConflict):
		return KindConflict
	case errors.Is(err, storage.ErrStatusConflict):
		return KindInvalidState
	default:
		return KindInfra
	}
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// storeError wraps a store failure; notFound replaces storage.ErrNotFound.
func storeError(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) && notFound != nil {
		return errorf(KindNotFound, op, "%w: %v", notFound, err)
	}
	return newError(KindOf(err), op, err)
}
