// Package tenancy resolves the project a request acts on. Every playbook
// resource belongs to exactly one project; routes carry it in the path as
// /projects/{projectId}/, and routes without a project segment (jobs) take
// it from the X-Project-ID header.
package tenancy

import "context"

type tenantKey struct{}

// TenantContext is what the middleware resolved for a request.
type TenantContext struct {
	ProjectID string
}

// WithTenant attaches tc to ctx.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey{}, tc)
}

// TenantFromContext reports the TenantContext stored in ctx, if any.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey{}).(TenantContext)
	return tc, ok
}

// ProjectFromContext returns the resolved project ID, empty when the
// request named none.
func ProjectFromContext(ctx context.Context) string {
	tc, _ := TenantFromContext(ctx)
	return tc.ProjectID
}
