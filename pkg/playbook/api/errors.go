package api

import (
	"errors"
	"net/http"

	"github.com/seoforge/playbook-engine/pkg/pagination"
	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/approvals"
	"github.com/seoforge/playbook-engine/pkg/playbook/drafts"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
	"github.com/seoforge/playbook-engine/pkg/playbook/service"
)

// Error codes returned in the "error" field of error bodies.
const (
	CodeInvalidScope     = "invalid_scope"
	CodeInvalidRequest   = "invalid_request"
	CodeNotFound         = "not_found"
	CodeStaleDraft       = "STALE_DRAFT"
	CodeApprovalRequired = "APPROVAL_REQUIRED"
	CodeForbidden        = "FORBIDDEN"
	CodeConflict         = "conflict"
	CodeNotImplemented   = "not_implemented"
	CodeInternal         = "internal_error"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// classify maps a service error to a status code and error body.
func classify(err error) (int, errorBody) {
	var required *approvals.ApprovalRequiredError
	var verr ValidationErrors
	switch {
	case errors.As(err, &required):
		return http.StatusForbidden, errorBody{Error: CodeApprovalRequired, Message: err.Error(), Details: required}
	case errors.Is(err, approvals.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: CodeForbidden, Message: err.Error()}
	case errors.Is(err, scope.ErrInvalidScope):
		return http.StatusBadRequest, errorBody{Error: CodeInvalidScope, Message: err.Error()}
	case errors.As(err, &verr), errors.Is(err, service.ErrInvalidRequest), errors.Is(err, pagination.ErrInvalidToken):
		return http.StatusBadRequest, errorBody{Error: CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, drafts.ErrStaleDraft):
		return http.StatusConflict, errorBody{Error: CodeStaleDraft, Message: err.Error()}
	case errors.Is(err, playbook.ErrUnknownPlaybook),
		errors.Is(err, drafts.ErrDraftNotFound),
		errors.Is(err, approvals.ErrApprovalNotFound):
		return http.StatusNotFound, errorBody{Error: CodeNotFound, Message: err.Error()}
	case errors.Is(err, approvals.ErrApprovalConsumed),
		errors.Is(err, approvals.ErrApprovalNotApproved),
		errors.Is(err, approvals.ErrApprovalMismatch),
		errors.Is(err, approvals.ErrAlreadyDecided),
		errors.Is(err, approvals.ErrSelfApproval),
		errors.Is(err, drafts.ErrDraftClosed):
		return http.StatusConflict, errorBody{Error: CodeConflict, Message: err.Error()}
	case errors.Is(err, service.ErrAsyncDisabled):
		return http.StatusNotImplemented, errorBody{Error: CodeNotImplemented, Message: err.Error()}
	}
	return http.StatusInternalServerError, errorBody{Error: CodeInternal, Message: "internal error"}
}
