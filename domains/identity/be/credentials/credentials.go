package credentials

import (
	"context"
	"errors"
)

// ErrEmailExists is returned when the identity provider already holds the email.
var ErrEmailExists = errors.New("credential email already registered")

// Input is what the identity provider needs to create a sign-in credential.
type Input struct {
	Email       string
	Password    string
	DisplayName string
	Phone       *string
}

// Claims are mirrored into the provider as custom token claims.
type Claims struct {
	Roles    []string
	TenantID *string
}

// Provider creates and removes sign-in credentials in the external identity provider.
type Provider interface {
	Create(ctx context.Context, in Input) (externalID string, err error)
	SetClaims(ctx context.Context, externalID string, claims Claims) error
	Delete(ctx context.Context, externalID string) error
}
