package credentials

import (
	"context"
	"fmt"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// FirebaseProvider provisions credentials in Firebase Authentication.
type FirebaseProvider struct {
	client *firebaseauth.Client
}

// NewFirebaseProvider wraps an initialised Firebase Auth client.
func NewFirebaseProvider(client *firebaseauth.Client) *FirebaseProvider {
	if client == nil {
		panic("firebase auth client is required")
	}
	return &FirebaseProvider{client: client}
}

func (p *FirebaseProvider) Create(ctx context.Context, in Input) (string, error) {
	params := (&firebaseauth.UserToCreate{}).
		Email(in.Email).
		Password(in.Password).
		DisplayName(in.DisplayName).
		EmailVerified(false)
	if in.Phone != nil {
		params = params.PhoneNumber(*in.Phone)
	}

	record, err := p.client.CreateUser(ctx, params)
	if err != nil {
		if firebaseauth.IsEmailAlreadyExists(err) || firebaseauth.IsPhoneNumberAlreadyExists(err) {
			return "", ErrEmailExists
		}
		return "", fmt.Errorf("firebase create user: %w", err)
	}
	return record.UID, nil
}

func (p *FirebaseProvider) SetClaims(ctx context.Context, externalID string, claims Claims) error {
	custom := map[string]interface{}{"roles": claims.Roles}
	if claims.TenantID != nil {
		custom["tenantId"] = *claims.TenantID
	}

	if err := p.client.SetCustomUserClaims(ctx, externalID, custom); err != nil {
		return fmt.Errorf("firebase set claims: %w", err)
	}
	return nil
}

func (p *FirebaseProvider) Delete(ctx context.Context, externalID string) error {
	if err := p.client.DeleteUser(ctx, externalID); err != nil && !firebaseauth.IsUserNotFound(err) {
		return fmt.Errorf("firebase delete user: %w", err)
	}
	return nil
}
