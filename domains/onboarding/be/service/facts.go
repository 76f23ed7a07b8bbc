package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	identityservice "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
)

// fetchFacts answers a check for sess. The caller's identity and tenant are
// taken from what the session last saw on a request, so background retries
// see the same principal as the request that triggered them.
func (s *service) fetchFacts(sess *session) machine.FactSource {
	return machine.FactSourceFunc(func(ctx context.Context, current machine.Status) (machine.Observed, error) {
		ctx = sess.principalContext(ctx)

		signedIn, err := s.identity.CurrentSession(ctx)
		if err != nil {
			return machine.Observed{}, fmt.Errorf("current session: %w", err)
		}

		tenantID := current.TenantID
		if tenantID == "" && signedIn != nil && signedIn.TenantID != nil {
			tenantID = *signedIn.TenantID
		}
		if tenantID == "" {
			tenantID = sess.defaultTenant()
		}

		observed := machine.Observed{SignedIn: signedIn != nil, TenantID: tenantID}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			has, err := s.identity.HasSuperAdmin(gctx)
			if err != nil {
				return fmt.Errorf("super admin existence: %w", err)
			}
			observed.HasSuperAdmin = has
			return nil
		})
		if tenantID != "" {
			g.Go(func() error {
				has, err := s.identity.HasTenantAdmin(gctx, tenantID)
				if err != nil {
					return fmt.Errorf("tenant admin existence: %w", err)
				}
				observed.HasAdmin = has
				return nil
			})
			g.Go(func() error {
				confirmation, err := s.plans.Confirmation(gctx, tenantID)
				if err != nil {
					return fmt.Errorf("plan confirmation: %w", err)
				}
				observed.PlanConfirmed = confirmation != nil
				return nil
			})
			if current.AccountID == "" {
				g.Go(func() error {
					admin, err := s.identity.TenantAdmin(gctx, tenantID)
					switch {
					case errors.Is(err, identityservice.ErrNotFound):
						return nil
					case err != nil:
						return fmt.Errorf("tenant admin lookup: %w", err)
					}
					observed.AccountID = admin.ID.String()
					return nil
				})
			}
		}

		if err := g.Wait(); err != nil {
			return machine.Observed{}, err
		}
		return observed, nil
	})
}
