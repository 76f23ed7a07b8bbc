package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/getkin/kin-openapi/openapi3filter"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/requesttrace"
)

var errMissingBearer = errors.New("missing or invalid Authorization header")

// ValidateAuthenticationViaSwagger is the AuthenticationFunc for the contract validator.
// Tokens were already verified by the JWT middleware, so bearerAuth only checks the header
// shape and sessionId checks the header is well formed.
func ValidateAuthenticationViaSwagger(_ context.Context, input *openapi3filter.AuthenticationInput) error {
	if input == nil || input.RequestValidationInput == nil || input.RequestValidationInput.Request == nil {
		return nil
	}
	r := input.RequestValidationInput.Request

	switch input.SecuritySchemeName {
	case "bearerAuth":
		scheme, _, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return errMissingBearer
		}
	case "sessionId":
		if _, err := requesttrace.SessionID(r.Header); err != nil {
			return err
		}
	}
	return nil
}
