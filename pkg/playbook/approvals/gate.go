// Package approvals implements the apply approval gate: the role matrix,
// per-project governance policies and single-use approval requests.
package approvals

import (
	"errors"
	"fmt"

	"github.com/seoforge/playbook-engine/pkg/playbook"
)

// Action is a gated operation.
type Action string

// ActionApply is the only gated action. It doubles as the resource type of
// apply approval requests.
const ActionApply Action = "AUTOMATION_PLAYBOOK_APPLY"

var (
	// ErrApprovalRequired is wrapped by ApprovalRequiredError.
	ErrApprovalRequired = errors.New("APPROVAL_REQUIRED")
	// ErrForbidden is returned for roles that may never perform the action.
	ErrForbidden = errors.New("FORBIDDEN")
)

// ApprovalRequiredError tells the caller which draft needs an approval and,
// when one already exists, the pending request.
type ApprovalRequiredError struct {
	DraftID          string `json:"draftId,omitempty"`
	ScopeID          string `json:"scopeId,omitempty"`
	RulesHash        string `json:"rulesHash,omitempty"`
	PendingRequestID string `json:"pendingRequestId,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func (e *ApprovalRequiredError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("approval required: %s", e.Reason)
	}
	return "approval required"
}

func (e *ApprovalRequiredError) Unwrap() error { return ErrApprovalRequired }

// Policy is a project's governance policy.
type Policy struct {
	ProjectID               string `yaml:"projectId" json:"projectId"`
	RequireApprovalForApply bool   `yaml:"requireApprovalForApply" json:"requireApprovalForApply"`
	MultiUser               bool   `yaml:"multiUser" json:"multiUser"`
}

// NeedsApproval reports whether editors must obtain an approval.
func (p Policy) NeedsApproval() bool {
	return p.RequireApprovalForApply || p.MultiUser
}

// Gate evaluates the role matrix. It holds no state.
type Gate struct{}

// Check decides whether role may perform action directly. OWNER always
// may; EDITOR may unless the policy needs approval, in which case an
// *ApprovalRequiredError is returned; VIEWER never may.
func (Gate) Check(role playbook.Role, policy Policy, action Action) error {
	if action != ActionApply {
		return fmt.Errorf("%w: unknown action %q", ErrForbidden, action)
	}
	switch role {
	case playbook.RoleOwner:
		return nil
	case playbook.RoleEditor:
		if !policy.NeedsApproval() {
			return nil
		}
		reason := "project requires approval for apply"
		if !policy.RequireApprovalForApply {
			reason = "multi-user project"
		}
		return &ApprovalRequiredError{Reason: reason}
	}
	return fmt.Errorf("%w: role %s cannot apply", ErrForbidden, role)
}
