// Package requesttrace carries who is acting on a request, and for which
// dashboard session, from the HTTP edge down to audit columns.
package requesttrace

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
)

// SessionHeader carries the dashboard application session a request belongs to.
const SessionHeader = "X-Session-ID"

var (
	ErrMissingSession = errors.New("session id is missing")
	ErrInvalidSession = errors.New("session id must be 1-128 characters of [A-Za-z0-9._:-]")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ActorKind represents who initiated a request.
type ActorKind string

const (
	ActorKindUser      ActorKind = "user"
	ActorKindAnonymous ActorKind = "anonymous"
)

// AuditInfo is the request-scoped actor. UserID is empty for anonymous callers;
// SessionID is present for both while a dashboard session is bootstrapping.
type AuditInfo struct {
	ActorKind ActorKind
	UserID    string
	SessionID string
	RequestID string
}

// Actor renders the granted_by value for audit columns.
func (a AuditInfo) Actor() string {
	switch {
	case a.UserID != "":
		return "user:" + a.UserID
	case a.SessionID != "":
		return "session:" + a.SessionID
	default:
		return string(ActorKindAnonymous)
	}
}

type ctxKey struct{}

// IntoContext stores the AuditInfo in the provided context.
func IntoContext(ctx context.Context, audit AuditInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, audit)
}

// FromContext extracts the AuditInfo from context.
func FromContext(ctx context.Context) (AuditInfo, bool) {
	audit, ok := ctx.Value(ctxKey{}).(AuditInfo)
	return audit, ok
}

// FromContextOrAnonymous never fails; background work has no request to trace.
func FromContextOrAnonymous(ctx context.Context) AuditInfo {
	if audit, ok := FromContext(ctx); ok {
		return audit
	}
	return Anonymous("")
}

// FromCredentials builds the AuditInfo of a verified caller.
func FromCredentials(creds *platformauth.UserCredentials, requestID string) (AuditInfo, error) {
	if creds == nil || creds.Id == "" {
		return AuditInfo{}, errors.New("verified credentials without a user id")
	}
	return AuditInfo{ActorKind: ActorKindUser, UserID: creds.Id, RequestID: requestID}, nil
}

// Anonymous builds the AuditInfo of a caller without a token (bootstrap, sign-in screens).
func Anonymous(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindAnonymous, RequestID: requestID}
}

// SessionID reads and validates SessionHeader.
func SessionID(h http.Header) (string, error) {
	raw := strings.TrimSpace(h.Get(SessionHeader))
	if raw == "" {
		return "", ErrMissingSession
	}
	if !sessionIDPattern.MatchString(raw) {
		return "", ErrInvalidSession
	}
	return raw, nil
}
