package middleware

import (
	"net/http"

	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

// Config controls middleware behavior.
type Config struct {
	// DefaultTenantID is used when the caller is anonymous or the token names no tenant.
	// Empty means such requests carry no tenant.Space.
	DefaultTenantID string
}

// WithTenantSpace resolves the tenant from JWT claims, falling back to the
// deployment default, and attaches tenant.Space to the context.
func WithTenantSpace(cfg Config) func(http.Handler) http.Handler {
	var fallback string
	if cfg.DefaultTenantID != "" {
		id, err := tenant.NormalizeID(cfg.DefaultTenantID)
		if err != nil {
			panic("tenant middleware: " + err.Error())
		}
		fallback = id
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if creds, ok := platformauth.UserFromContext(ctx); ok && creds.TenantID != nil && *creds.TenantID != "" {
				id, err := tenant.NormalizeID(*creds.TenantID)
				if err != nil {
					http.Error(w, "invalid tenant id", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(tenant.WithSpace(ctx, tenant.Space{TenantID: id})))
				return
			}

			if fallback != "" {
				ctx = tenant.WithSpace(ctx, tenant.Space{TenantID: fallback, Defaulted: true})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
