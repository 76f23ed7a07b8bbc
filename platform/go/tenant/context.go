package tenant

import (
	"context"
)

// Space captures the tenant a request acts on. Attached to the context by
// middleware once the tenant has been resolved from claims or configuration.
type Space struct {
	TenantID string
	// Defaulted is true when no claim named a tenant and the deployment default was used.
	Defaulted bool
}

type ctxKey string

const spaceKey ctxKey = "FARMOPS_TENANT_SPACE"

// WithSpace returns a derived context carrying the tenant Space.
func WithSpace(ctx context.Context, space Space) context.Context {
	return context.WithValue(ctx, spaceKey, space)
}

// FromContext extracts the tenant Space and a boolean indicating presence.
func FromContext(ctx context.Context) (Space, bool) {
	v := ctx.Value(spaceKey)
	if v == nil {
		return Space{}, false
	}

	space, ok := v.(Space)
	return space, ok
}
