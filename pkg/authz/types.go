// Package authz resolves who is calling the playbook API and what they may
// do. Identities carry a role per project; the RoleAuthorizer maps roles to
// resource/verb permissions and the NoopAuthorizer allows everything.
package authz

import (
	"context"

	"github.com/seoforge/playbook-engine/pkg/playbook"
)

// Resource names for permission mapping.
const (
	ResourcePlaybooks = "playbooks"
	ResourceEstimates = "estimates"
	ResourcePreviews  = "previews"
	ResourceDrafts    = "drafts"
	ResourceApply     = "apply"
	ResourceApprovals = "approvals"
	ResourceAssets    = "assets"
	ResourceJobs      = "jobs"
	ResourceAudit     = "audit"
)

// Verb names for permission mapping.
const (
	VerbGet     = "get"
	VerbList    = "list"
	VerbCreate  = "create"
	VerbUpdate  = "update"
	VerbExecute = "execute"
	VerbApprove = "approve"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User      string
	Role      playbook.Role
	Resource  string
	Verb      string
	ProjectID string // Empty for requests outside a project.
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}
