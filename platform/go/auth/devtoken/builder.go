package devtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Params captures the Firebase-compatible claims required to mint an unsigned JWT
// for local and CI environments. No environment variables are read so the
// builder stays deterministic for tooling.
type Params struct {
	ProjectID      string        // Firebase project id; used for aud and iss
	TenantID       string        // tenantId custom claim; empty for platform-level accounts
	UserID         string        // user_id/sub/uid (required)
	Email          string        // email claim (required)
	Name           string        // display name
	EmailVerified  bool          // email_verified claim
	Roles          []string      // roles custom claim, e.g. super_admin, admin, staff
	SignInProvider string        // firebase.sign_in_provider; default "password"
	ExpiresIn      time.Duration // relative expiry; default 1h if zero
	Audience       string        // optional override; defaults to ProjectID
	Issuer         string        // optional override; defaults to https://securetoken.google.com/<projectId>
}

// BuildUnsignedFirebaseToken returns a JWT with alg "none" and an empty signature.
// The payload mirrors the Firebase ID token shape so it flows through the auth
// middleware when AUTH_PROVIDER=dev.
func BuildUnsignedFirebaseToken(p Params, now time.Time) (string, error) {
	if strings.TrimSpace(p.ProjectID) == "" {
		return "", errors.New("projectID is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", errors.New("userID is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return "", errors.New("email is required")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	expiresIn := p.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	issuer := p.Issuer
	if strings.TrimSpace(issuer) == "" {
		issuer = fmt.Sprintf("https://securetoken.google.com/%s", p.ProjectID)
	}

	audience := p.Audience
	if strings.TrimSpace(audience) == "" {
		audience = p.ProjectID
	}

	signInProvider := p.SignInProvider
	if strings.TrimSpace(signInProvider) == "" {
		signInProvider = "password"
	}

	firebaseClaim := map[string]interface{}{
		"identities":       map[string]interface{}{"email": []string{p.Email}},
		"sign_in_provider": signInProvider,
	}
	if p.TenantID != "" {
		firebaseClaim["tenant"] = p.TenantID
	}

	claims := jwt.MapClaims{
		"iss":            issuer,
		"aud":            audience,
		"auth_time":      now.Unix(),
		"user_id":        p.UserID,
		"sub":            p.UserID,
		"iat":            now.Unix(),
		"exp":            now.Add(expiresIn).Unix(),
		"email":          p.Email,
		"email_verified": p.EmailVerified,
		"firebase":       firebaseClaim,
	}
	if p.Name != "" {
		claims["name"] = p.Name
	}
	if p.TenantID != "" {
		claims["tenantId"] = p.TenantID
	}
	if len(p.Roles) > 0 {
		claims["roles"] = p.Roles
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		return "", fmt.Errorf("sign dev token: %w", err)
	}
	return token, nil
}
