package middleware

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/requesttrace"
)

// RequestTrace stores the acting user and dashboard session on the context and
// enriches the request logger with them. It runs after the JWT middleware.
// A malformed session header is dropped, so handlers see the request as session-less.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger, hasLogger := platformlogging.FromContext(r.Context())
		if !hasLogger {
			logger = zap.NewNop()
		}
		requestID := middleware.GetReqID(r.Context())

		audit := requesttrace.Anonymous(requestID)
		if creds, ok := platformauth.UserFromContext(r.Context()); ok {
			var err error
			if audit, err = requesttrace.FromCredentials(creds, requestID); err != nil {
				logger.Error("build audit info from credentials", zap.Error(err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		sessionID, err := requesttrace.SessionID(r.Header)
		switch {
		case err == nil:
			audit.SessionID = sessionID
		case errors.Is(err, requesttrace.ErrInvalidSession):
			logger.Warn("ignoring malformed session header", zap.Error(err))
		}

		fields := []zap.Field{zap.String("actor_kind", string(audit.ActorKind))}
		if audit.UserID != "" {
			fields = append(fields, zap.String("user_id", audit.UserID))
		}
		if audit.SessionID != "" {
			fields = append(fields, zap.String("session_id", audit.SessionID))
		}

		ctx := requesttrace.IntoContext(r.Context(), audit)
		if hasLogger {
			ctx = platformlogging.WithLogger(ctx, logger.With(fields...))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
