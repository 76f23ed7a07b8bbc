package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	identityservice "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/service"
	plansservice "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/service"
	verificationservice "github.com/zenGate-Global/palmyra-farmops/domains/verification/be/service"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/requesttrace"
)

type mockService struct {
	statusFn      func(ctx context.Context, sessionID string) (machine.Status, error)
	checkFn       func(ctx context.Context, sessionID string) (machine.Status, error)
	introFn       func(ctx context.Context, sessionID string) (machine.Status, error)
	superAdminFn  func(ctx context.Context, sessionID string, form service.SuperAdminForm) (machine.Status, error)
	tenantAdminFn func(ctx context.Context, sessionID string, form service.TenantAdminForm) (machine.Status, error)
	listPlansFn   func(ctx context.Context) ([]plansservice.Plan, error)
	selectPlanFn  func(ctx context.Context, sessionID string, form service.PlanForm) (machine.Status, error)
	confirmFn     func(ctx context.Context, sessionID string, code string) (machine.Status, error)
	resendFn      func(ctx context.Context, sessionID string) (machine.Status, error)
	endSessionFn  func(ctx context.Context, sessionID string) error
}

func (m *mockService) Status(ctx context.Context, sessionID string) (machine.Status, error) {
	if m.statusFn == nil {
		panic("statusFn not configured")
	}
	return m.statusFn(ctx, sessionID)
}

func (m *mockService) Check(ctx context.Context, sessionID string) (machine.Status, error) {
	if m.checkFn == nil {
		panic("checkFn not configured")
	}
	return m.checkFn(ctx, sessionID)
}

func (m *mockService) AcknowledgeIntroduction(ctx context.Context, sessionID string) (machine.Status, error) {
	if m.introFn == nil {
		panic("introFn not configured")
	}
	return m.introFn(ctx, sessionID)
}

func (m *mockService) CreateSuperAdmin(ctx context.Context, sessionID string, form service.SuperAdminForm) (machine.Status, error) {
	if m.superAdminFn == nil {
		panic("superAdminFn not configured")
	}
	return m.superAdminFn(ctx, sessionID, form)
}

func (m *mockService) CreateTenantAdmin(ctx context.Context, sessionID string, form service.TenantAdminForm) (machine.Status, error) {
	if m.tenantAdminFn == nil {
		panic("tenantAdminFn not configured")
	}
	return m.tenantAdminFn(ctx, sessionID, form)
}

func (m *mockService) ListPlans(ctx context.Context) ([]plansservice.Plan, error) {
	if m.listPlansFn == nil {
		panic("listPlansFn not configured")
	}
	return m.listPlansFn(ctx)
}

func (m *mockService) SelectPlan(ctx context.Context, sessionID string, form service.PlanForm) (machine.Status, error) {
	if m.selectPlanFn == nil {
		panic("selectPlanFn not configured")
	}
	return m.selectPlanFn(ctx, sessionID, form)
}

func (m *mockService) ConfirmCode(ctx context.Context, sessionID string, code string) (machine.Status, error) {
	if m.confirmFn == nil {
		panic("confirmFn not configured")
	}
	return m.confirmFn(ctx, sessionID, code)
}

func (m *mockService) ResendCode(ctx context.Context, sessionID string) (machine.Status, error) {
	if m.resendFn == nil {
		panic("resendFn not configured")
	}
	return m.resendFn(ctx, sessionID)
}

func (m *mockService) EndSession(ctx context.Context, sessionID string) error {
	if m.endSessionFn == nil {
		panic("endSessionFn not configured")
	}
	return m.endSessionFn(ctx, sessionID)
}

func (m *mockService) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *mockService) Close() {}

func newRouter(t *testing.T, svc service.Service) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	New(svc, zaptest.NewLogger(t)).Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(requesttrace.SessionHeader, "tab-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatusReturnsSession(t *testing.T) {
	t.Parallel()

	checked := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &mockService{
		statusFn: func(ctx context.Context, sessionID string) (machine.Status, error) {
			require.Equal(t, "tab-1", sessionID)
			return machine.Status{
				Step:          machine.StepNeedsTenantAdmin,
				HasSuperAdmin: true,
				Resolved:      true,
				CheckedAt:     checked,
			}, nil
		},
	}

	rec := do(t, newRouter(t, svc), http.MethodGet, "/onboarding/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody[statusResponse](t, rec)
	require.Equal(t, "needs-tenant-admin", body.Step)
	require.True(t, body.HasSuperAdmin)
	require.NotNil(t, body.CheckedAt)
	require.True(t, checked.Equal(*body.CheckedAt))
	require.Nil(t, body.Attempt)
}

func TestCreateSuperAdminPassesForm(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		superAdminFn: func(ctx context.Context, sessionID string, form service.SuperAdminForm) (machine.Status, error) {
			require.Equal(t, "Ada Obi", form.FullName)
			require.Equal(t, "ada@farm.example", form.Email)
			require.NotNil(t, form.Phone)
			require.Equal(t, "+2348012345678", *form.Phone)
			return machine.Status{Step: machine.StepNeedsTenantAdmin, HasSuperAdmin: true, IntroductionSeen: true}, nil
		},
	}

	rec := do(t, newRouter(t, svc), http.MethodPost, "/onboarding/super-admin",
		`{"fullName":"Ada Obi","email":"ada@farm.example","phone":"+2348012345678","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "needs-tenant-admin", decodeBody[statusResponse](t, rec).Step)
}

func TestMalformedBodyRejected(t *testing.T) {
	t.Parallel()

	h := newRouter(t, &mockService{})

	for _, body := range []string{`{`, `{"fullName":"x","unknown":true}`, `[]`} {
		rec := do(t, h, http.MethodPost, "/onboarding/super-admin", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}
}

func TestValidationProblemCarriesFieldsAndSession(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		superAdminFn: func(ctx context.Context, sessionID string, form service.SuperAdminForm) (machine.Status, error) {
			return machine.Status{Step: machine.StepNeedsSuperAdmin, IntroductionSeen: true},
				&identityservice.ValidationError{Fields: identityservice.FieldErrors{"email": {"invalid email address"}}}
		},
	}

	rec := do(t, newRouter(t, svc), http.MethodPost, "/onboarding/super-admin",
		`{"fullName":"Ada","email":"nope","password":"correct horse"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	problem := decodeBody[problemDetails](t, rec)
	require.Equal(t, http.StatusBadRequest, problem.Status)
	require.NotNil(t, problem.Type)
	require.Equal(t, problemTypeValidation, *problem.Type)
	require.Equal(t, []string{"invalid email address"}, problem.Errors["email"])
	require.NotNil(t, problem.Session)
	require.Equal(t, "needs-super-admin", problem.Session.Step)
}

func TestAlreadyInitializedReturnsNotice(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		superAdminFn: func(ctx context.Context, sessionID string, form service.SuperAdminForm) (machine.Status, error) {
			return machine.Status{
				Step:          machine.StepNeedsTenantAdmin,
				HasSuperAdmin: true,
				Notice:        &machine.Notice{Code: machine.NoticeAlreadyInitialized, Message: "initialized"},
			}, identityservice.ErrAlreadyExists
		},
	}

	rec := do(t, newRouter(t, svc), http.MethodPost, "/onboarding/super-admin",
		`{"fullName":"Ada","email":"ada@farm.example","password":"correct horse"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	problem := decodeBody[problemDetails](t, rec)
	require.NotNil(t, problem.Session)
	require.Equal(t, "needs-tenant-admin", problem.Session.Step)
	require.NotNil(t, problem.Session.Notice)
	require.Equal(t, machine.NoticeAlreadyInitialized, problem.Session.Notice.Code)
}

func TestConfirmCodeErrorMapping(t *testing.T) {
	t.Parallel()

	attempt := &machine.Attempt{
		ID:                "attempt-1",
		Target:            machine.Target{Channel: "sms", Address: "+2348012345678"},
		AttemptsRemaining: 2,
	}
	verifying := machine.Status{Step: machine.StepNeedsVerification, Attempt: attempt}

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "invalid code", err: verificationservice.ErrCodeInvalid, status: http.StatusUnprocessableEntity},
		{name: "replaced code", err: verificationservice.ErrAttemptClosed, status: http.StatusUnprocessableEntity},
		{name: "exhausted", err: verificationservice.ErrAttemptsExhausted, status: http.StatusUnprocessableEntity},
		{name: "expired", err: verificationservice.ErrCodeExpired, status: http.StatusGone},
		{name: "no attempt", err: service.ErrNoAttempt, status: http.StatusConflict},
		{name: "wrong step", err: service.ErrStepMismatch, status: http.StatusConflict},
		{name: "plan not recorded", err: fmt.Errorf("confirm: %w", plansservice.ErrTransient), status: http.StatusServiceUnavailable},
		{name: "timeout", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{
				confirmFn: func(ctx context.Context, sessionID string, code string) (machine.Status, error) {
					require.Equal(t, "123456", code)
					return verifying, tc.err
				},
			}

			rec := do(t, newRouter(t, svc), http.MethodPost, "/onboarding/verification/confirm", `{"code":"123456"}`)
			require.Equal(t, tc.status, rec.Code)

			problem := decodeBody[problemDetails](t, rec)
			require.Equal(t, tc.status, problem.Status)
			require.NotNil(t, problem.Session)
			require.NotNil(t, problem.Session.Attempt)
			require.Equal(t, 2, problem.Session.Attempt.AttemptsRemaining)
		})
	}
}

func TestServiceErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "rate limited", err: verificationservice.ErrRateLimited, status: http.StatusTooManyRequests},
		{name: "plan not found", err: plansservice.ErrPlanNotFound, status: http.StatusNotFound},
		{name: "plan validation", err: &plansservice.ValidationError{Fields: plansservice.FieldErrors{"billingPeriod": {"unsupported"}}}, status: http.StatusBadRequest},
		{name: "target validation", err: &verificationservice.ValidationError{Fields: verificationservice.FieldErrors{"address": {"invalid"}}}, status: http.StatusBadRequest},
		{name: "insufficient scope", err: identityservice.ErrInsufficientScope, status: http.StatusForbidden},
		{name: "tenant required", err: identityservice.ErrTenantRequired, status: http.StatusBadRequest},
		{name: "session required", err: service.ErrSessionRequired, status: http.StatusBadRequest},
		{name: "closed", err: service.ErrClosed, status: http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{
				selectPlanFn: func(ctx context.Context, sessionID string, form service.PlanForm) (machine.Status, error) {
					require.Equal(t, "starter", form.PlanID)
					require.Equal(t, "monthly", form.BillingPeriod)
					return machine.Status{Step: machine.StepNeedsPlanSelection}, tc.err
				},
			}

			rec := do(t, newRouter(t, svc), http.MethodPost, "/onboarding/plan",
				`{"planId":"starter","billingPeriod":"monthly","channel":"sms","address":"+2348012345678"}`)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestErrorWithoutSessionOmitsExtension(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		checkFn: func(ctx context.Context, sessionID string) (machine.Status, error) {
			return machine.Status{}, service.ErrSessionRequired
		},
	}

	rec := do(t, newRouter(t, svc), http.MethodPost, "/onboarding/check", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotContains(t, rec.Body.String(), `"session"`)
}

func TestListPlans(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		listPlansFn: func(ctx context.Context) ([]plansservice.Plan, error) {
			return []plansservice.Plan{{
				ID:       "starter",
				Type:     "starter",
				Name:     "Starter",
				Currency: "NGN",
				Prices: []plansservice.Price{
					{BillingPeriod: plansservice.BillingMonthly, AmountCents: 1500000},
				},
			}}, nil
		},
	}

	rec := do(t, newRouter(t, svc), http.MethodGet, "/onboarding/plans", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[planListResponse](t, rec)
	require.Len(t, body.Items, 1)
	require.Equal(t, "starter", body.Items[0].ID)
	require.Equal(t, int64(1500000), body.Items[0].Prices[0].AmountCents)
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	var ended string
	svc := &mockService{
		endSessionFn: func(ctx context.Context, sessionID string) error {
			ended = sessionID
			return nil
		},
	}

	rec := do(t, newRouter(t, svc), http.MethodDelete, "/onboarding/session", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "tab-1", ended)
}

func TestSessionIDFromRequestTrace(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/onboarding/status", nil)
	req.Header.Set(requesttrace.SessionHeader, "header-id")
	require.Equal(t, "header-id", sessionID(req))

	audit := requesttrace.Anonymous("req-1")
	audit.SessionID = "traced-id"
	req = req.WithContext(requesttrace.IntoContext(req.Context(), audit))
	require.Equal(t, "traced-id", sessionID(req))

	malformed := httptest.NewRequest(http.MethodGet, "/onboarding/status", nil)
	malformed.Header.Set(requesttrace.SessionHeader, "two words")
	require.Empty(t, sessionID(malformed))
}
