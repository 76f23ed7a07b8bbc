package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-farmops/domains/identity/be/credentials"
	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/gcp"
)

type authDeps struct {
	middleware func(http.Handler) http.Handler
	provider   credentials.Provider
}

// buildAuth pairs the token verifier with the credential provider of the same backend:
// Firebase verifies and provisions in production, dev tokens pair with in-memory credentials.
func buildAuth(ctx context.Context, cfg config, logger *zap.Logger) authDeps {
	switch cfg.AuthProvider {
	case "firebase":
		fbAuth, err := gcp.InitFirebaseAuth(ctx, gcp.FirebaseConfig{
			CredentialsFile: cfg.FirebaseConfig,
			ProjectID:       cfg.FirebaseProject,
		})
		if err != nil {
			logger.Fatal("init firebase auth", zap.Error(err))
		}
		return authDeps{
			middleware: platformauth.JWT(platformauth.FirebaseTokenVerifier(fbAuth), platformauth.DefaultCredentialExtractor),
			provider:   credentials.NewFirebaseProvider(fbAuth),
		}
	case "dev":
		logger.Warn("using dev auth middleware; do not use in production")
		return authDeps{
			middleware: platformauth.JWT(platformauth.UnsignedTokenVerifier(), platformauth.DefaultCredentialExtractor),
			provider:   credentials.NewDevProvider(),
		}
	default:
		logger.Fatal("unsupported auth provider", zap.String("provider", cfg.AuthProvider))
		return authDeps{}
	}
}
