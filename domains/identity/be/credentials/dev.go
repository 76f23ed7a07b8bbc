package credentials

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DevProvider keeps credentials in memory. Paired with unsigned dev tokens
// (AUTH_PROVIDER=dev) so local stacks need no Firebase project.
type DevProvider struct {
	mu      sync.Mutex
	byEmail map[string]string
	claims  map[string]Claims
}

// NewDevProvider returns an empty in-memory provider.
func NewDevProvider() *DevProvider {
	return &DevProvider{
		byEmail: make(map[string]string),
		claims:  make(map[string]Claims),
	}
}

func (p *DevProvider) Create(_ context.Context, in Input) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	email := strings.ToLower(in.Email)
	if _, exists := p.byEmail[email]; exists {
		return "", ErrEmailExists
	}

	uid := "dev-" + uuid.NewString()
	p.byEmail[email] = uid
	return uid, nil
}

func (p *DevProvider) SetClaims(_ context.Context, externalID string, claims Claims) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.claims[externalID] = Claims{Roles: append([]string(nil), claims.Roles...), TenantID: claims.TenantID}
	return nil
}

func (p *DevProvider) Delete(_ context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for email, uid := range p.byEmail {
		if uid == externalID {
			delete(p.byEmail, email)
		}
	}
	delete(p.claims, externalID)
	return nil
}

// ClaimsFor returns the claims last set for externalID.
func (p *DevProvider) ClaimsFor(externalID string) (Claims, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.claims[externalID]
	return c, ok
}

// Registered reports whether the email currently has a credential.
func (p *DevProvider) Registered(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.byEmail[strings.ToLower(email)]
	return ok
}
