package authz

import (
	"context"

	"github.com/seoforge/playbook-engine/pkg/playbook"
)

type permission struct {
	resource string
	verb     string
}

// RoleAuthorizer grants permissions by project role. Viewers read,
// editors generate and request approvals, owners additionally decide
// approvals and read the audit trail.
//
// Apply is granted to editors here; whether an editor's apply needs an
// approval is decided later by the approval gate.
type RoleAuthorizer struct {
	grants map[playbook.Role]map[permission]bool
}

// NewRoleAuthorizer builds the fixed role matrix.
func NewRoleAuthorizer() *RoleAuthorizer {
	viewer := []permission{
		{ResourcePlaybooks, VerbList},
		{ResourceEstimates, VerbGet},
		{ResourceDrafts, VerbGet},
		{ResourceDrafts, VerbList},
		{ResourceApprovals, VerbGet},
		{ResourceApprovals, VerbList},
		{ResourceJobs, VerbGet},
		{ResourceJobs, VerbList},
	}
	editor := append([]permission{
		{ResourcePreviews, VerbCreate},
		{ResourceDrafts, VerbCreate},
		{ResourceApply, VerbExecute},
		{ResourceApprovals, VerbCreate},
		{ResourceAssets, VerbUpdate},
		{ResourceJobs, VerbUpdate},
	}, viewer...)
	owner := append([]permission{
		{ResourceApprovals, VerbApprove},
		{ResourceAudit, VerbGet},
		{ResourceAudit, VerbList},
	}, editor...)

	a := &RoleAuthorizer{grants: make(map[playbook.Role]map[permission]bool)}
	for role, perms := range map[playbook.Role][]permission{
		playbook.RoleViewer: viewer,
		playbook.RoleEditor: editor,
		playbook.RoleOwner:  owner,
	} {
		set := make(map[permission]bool, len(perms))
		for _, p := range perms {
			set[p] = true
		}
		a.grants[role] = set
	}
	return a
}

// Authorize reports whether req.Role holds req.Resource/req.Verb.
func (a *RoleAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	return a.grants[req.Role][permission{req.Resource, req.Verb}], nil
}

// NoopAuthorizer grants everything. It backs PLAYBOOK_AUTH_MODE=none; the
// apply gate in the service still checks roles on its own.
type NoopAuthorizer struct{}

func (*NoopAuthorizer) Authorize(context.Context, AuthzRequest) (bool, error) { return true, nil }
