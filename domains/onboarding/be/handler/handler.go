package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	identityservice "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/service"
	plansservice "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/service"
	verificationservice "github.com/zenGate-Global/palmyra-farmops/domains/verification/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/requesttrace"
)

const (
	problemTypeValidation   = "https://farmops.palmyra.dev/problems/validation-error"
	problemTypeNotFound     = "https://farmops.palmyra.dev/problems/not-found"
	problemTypeConflict     = "https://farmops.palmyra.dev/problems/conflict"
	problemTypeForbidden    = "https://farmops.palmyra.dev/problems/forbidden"
	problemTypeVerification = "https://farmops.palmyra.dev/problems/verification-failed"
	problemTypeRateLimited  = "https://farmops.palmyra.dev/problems/rate-limited"
	problemTypeUnavailable  = "https://farmops.palmyra.dev/problems/unavailable"
	problemTypeInternal     = "https://farmops.palmyra.dev/problems/internal-error"
)

const maxBodyBytes = 64 << 10

type operation string

const (
	statusOperation       operation = "onboardingStatus"
	checkOperation        operation = "onboardingCheck"
	introductionOperation operation = "onboardingAcknowledgeIntroduction"
	superAdminOperation   operation = "onboardingCreateSuperAdmin"
	tenantAdminOperation  operation = "onboardingCreateTenantAdmin"
	listPlansOperation    operation = "onboardingListPlans"
	selectPlanOperation   operation = "onboardingSelectPlan"
	confirmCodeOperation  operation = "onboardingConfirmCode"
	resendCodeOperation   operation = "onboardingResendCode"
	endSessionOperation   operation = "onboardingEndSession"
)

// Handler exposes the onboarding service over HTTP.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("onboarding service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Register mounts the onboarding routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/onboarding", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/check", h.Check)
		r.Post("/introduction", h.AcknowledgeIntroduction)
		r.Post("/super-admin", h.CreateSuperAdmin)
		r.Post("/tenant-admin", h.CreateTenantAdmin)
		r.Get("/plans", h.ListPlans)
		r.Post("/plan", h.SelectPlan)
		r.Post("/verification/confirm", h.ConfirmCode)
		r.Post("/verification/resend", h.ResendCode)
		r.Delete("/session", h.EndSession)
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), sessionID(r))
	h.respond(w, r, statusOperation, status, err)
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Check(r.Context(), sessionID(r))
	h.respond(w, r, checkOperation, status, err)
}

func (h *Handler) AcknowledgeIntroduction(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.AcknowledgeIntroduction(r.Context(), sessionID(r))
	h.respond(w, r, introductionOperation, status, err)
}

func (h *Handler) CreateSuperAdmin(w http.ResponseWriter, r *http.Request) {
	var body superAdminRequest
	if !h.decode(w, r, superAdminOperation, &body) {
		return
	}

	status, err := h.svc.CreateSuperAdmin(r.Context(), sessionID(r), service.SuperAdminForm{
		FullName: body.FullName,
		Email:    body.Email,
		Phone:    body.Phone,
		Password: body.Password,
	})
	h.respond(w, r, superAdminOperation, status, err)
}

func (h *Handler) CreateTenantAdmin(w http.ResponseWriter, r *http.Request) {
	var body tenantAdminRequest
	if !h.decode(w, r, tenantAdminOperation, &body) {
		return
	}

	status, err := h.svc.CreateTenantAdmin(r.Context(), sessionID(r), service.TenantAdminForm{
		TenantID: body.TenantID,
		FullName: body.FullName,
		Email:    body.Email,
		Phone:    body.Phone,
		Password: body.Password,
	})
	h.respond(w, r, tenantAdminOperation, status, err)
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.ListPlans(r.Context())
	if err != nil {
		status, problem := h.problemForError(r.Context(), err, listPlansOperation, nil)
		writeProblem(w, status, problem)
		return
	}

	items := make([]planResponse, 0, len(plans))
	for _, plan := range plans {
		items = append(items, toPlanResponse(plan))
	}
	writeJSON(w, http.StatusOK, planListResponse{Items: items})
}

func (h *Handler) SelectPlan(w http.ResponseWriter, r *http.Request) {
	var body planRequest
	if !h.decode(w, r, selectPlanOperation, &body) {
		return
	}

	status, err := h.svc.SelectPlan(r.Context(), sessionID(r), service.PlanForm{
		PlanID:        body.PlanID,
		BillingPeriod: body.BillingPeriod,
		Channel:       body.Channel,
		Address:       body.Address,
	})
	h.respond(w, r, selectPlanOperation, status, err)
}

func (h *Handler) ConfirmCode(w http.ResponseWriter, r *http.Request) {
	var body confirmRequest
	if !h.decode(w, r, confirmCodeOperation, &body) {
		return
	}

	status, err := h.svc.ConfirmCode(r.Context(), sessionID(r), body.Code)
	h.respond(w, r, confirmCodeOperation, status, err)
}

func (h *Handler) ResendCode(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.ResendCode(r.Context(), sessionID(r))
	h.respond(w, r, resendCodeOperation, status, err)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.EndSession(r.Context(), sessionID(r)); err != nil {
		status, problem := h.problemForError(r.Context(), err, endSessionOperation, nil)
		writeProblem(w, status, problem)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op operation, status machine.Status, err error) {
	if err != nil {
		var session *statusResponse
		if status.Step != "" {
			s := toStatusResponse(status)
			session = &s
		}
		code, problem := h.problemForError(r.Context(), err, op, session)
		writeProblem(w, code, problem)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(status))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op operation, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.loggerFrom(r.Context()).Warn("onboarding request body rejected",
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		problem := h.buildProblem("Invalid request body", "request body must be a JSON object matching the form", problemTypeValidation, http.StatusBadRequest, nil, nil)
		writeProblem(w, http.StatusBadRequest, problem)
		return false
	}
	return true
}

// sessionID trusts the request trace middleware when it ran, since it drops
// malformed ids; otherwise the header is validated here.
func sessionID(r *http.Request) string {
	if audit, ok := requesttrace.FromContext(r.Context()); ok {
		return audit.SessionID
	}
	id, _ := requesttrace.SessionID(r.Header)
	return id
}

type superAdminRequest struct {
	FullName string  `json:"fullName"`
	Email    string  `json:"email"`
	Phone    *string `json:"phone,omitempty"`
	Password string  `json:"password"`
}

type tenantAdminRequest struct {
	TenantID string  `json:"tenantId,omitempty"`
	FullName string  `json:"fullName"`
	Email    string  `json:"email"`
	Phone    *string `json:"phone,omitempty"`
	Password string  `json:"password"`
}

type planRequest struct {
	PlanID        string `json:"planId"`
	BillingPeriod string `json:"billingPeriod"`
	Channel       string `json:"channel"`
	Address       string `json:"address"`
}

type confirmRequest struct {
	Code string `json:"code"`
}

type noticeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type targetResponse struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
}

type planSelectionResponse struct {
	PlanID        string `json:"planId"`
	Type          string `json:"type"`
	BillingPeriod string `json:"billingPeriod"`
	PriceCents    int64  `json:"priceCents"`
	Currency      string `json:"currency"`
}

type attemptResponse struct {
	ID                string         `json:"id"`
	Target            targetResponse `json:"target"`
	IssuedAt          time.Time      `json:"issuedAt"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	AttemptsRemaining int            `json:"attemptsRemaining"`
}

type statusResponse struct {
	Step                  string                 `json:"step"`
	HasSuperAdmin         bool                   `json:"hasSuperAdmin"`
	HasAdmin              bool                   `json:"hasAdmin"`
	SignedIn              bool                   `json:"signedIn"`
	PlanConfirmed         bool                   `json:"planConfirmed"`
	PendingPlan           *planSelectionResponse `json:"pendingPlan,omitempty"`
	VerificationTarget    *targetResponse        `json:"verificationTarget,omitempty"`
	VerificationConfirmed bool                   `json:"verificationConfirmed"`
	IntroductionSeen      bool                   `json:"introductionSeen"`
	Attempt               *attemptResponse       `json:"attempt,omitempty"`
	AccountID             string                 `json:"accountId,omitempty"`
	TenantID              string                 `json:"tenantId,omitempty"`
	Notice                *noticeResponse        `json:"notice,omitempty"`
	Resolved              bool                   `json:"resolved"`
	Refreshing            bool                   `json:"refreshing"`
	CheckedAt             *time.Time             `json:"checkedAt,omitempty"`
}

type priceResponse struct {
	BillingPeriod string `json:"billingPeriod"`
	AmountCents   int64  `json:"amountCents"`
}

type planResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Currency    string          `json:"currency"`
	Prices      []priceResponse `json:"prices"`
}

type planListResponse struct {
	Items []planResponse `json:"items"`
}

type problemDetails struct {
	Type   *string             `json:"type,omitempty"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail *string             `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
	// Session is the status after the failed call, so the client can re-render.
	Session *statusResponse `json:"session,omitempty"`
}

func toStatusResponse(status machine.Status) statusResponse {
	out := statusResponse{
		Step:                  string(status.Step),
		HasSuperAdmin:         status.HasSuperAdmin,
		HasAdmin:              status.HasAdmin,
		SignedIn:              status.SignedIn,
		PlanConfirmed:         status.PlanConfirmed,
		VerificationConfirmed: status.VerificationConfirmed,
		IntroductionSeen:      status.IntroductionSeen,
		AccountID:             status.AccountID,
		TenantID:              status.TenantID,
		Resolved:              status.Resolved,
		Refreshing:            status.Refreshing,
	}
	if p := status.PendingPlan; p != nil {
		out.PendingPlan = &planSelectionResponse{
			PlanID:        p.PlanID,
			Type:          p.Type,
			BillingPeriod: p.BillingPeriod,
			PriceCents:    p.PriceCents,
			Currency:      p.Currency,
		}
	}
	if t := status.VerificationTarget; t != nil {
		out.VerificationTarget = &targetResponse{Channel: t.Channel, Address: t.Address}
	}
	if a := status.Attempt; a != nil {
		out.Attempt = &attemptResponse{
			ID:                a.ID,
			Target:            targetResponse{Channel: a.Target.Channel, Address: a.Target.Address},
			IssuedAt:          a.IssuedAt.UTC(),
			ExpiresAt:         a.ExpiresAt.UTC(),
			AttemptsRemaining: a.AttemptsRemaining,
		}
	}
	if n := status.Notice; n != nil {
		out.Notice = &noticeResponse{Code: n.Code, Message: n.Message}
	}
	if !status.CheckedAt.IsZero() {
		checked := status.CheckedAt.UTC()
		out.CheckedAt = &checked
	}
	return out
}

func toPlanResponse(plan plansservice.Plan) planResponse {
	prices := make([]priceResponse, 0, len(plan.Prices))
	for _, price := range plan.Prices {
		prices = append(prices, priceResponse{
			BillingPeriod: string(price.BillingPeriod),
			AmountCents:   price.AmountCents,
		})
	}
	return planResponse{
		ID:          plan.ID,
		Type:        plan.Type,
		Name:        plan.Name,
		Description: plan.Description,
		Currency:    plan.Currency,
		Prices:      prices,
	}
}

func (h *Handler) problemForError(ctx context.Context, err error, op operation, session *statusResponse) (int, problemDetails) {
	status, title, detail, problemType, fields := h.classifyError(err)

	logger := h.loggerFrom(ctx)
	fieldsForLog := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}
	if session != nil {
		fieldsForLog = append(fieldsForLog, zap.String("step", session.Step))
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("onboarding operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("onboarding resource not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("onboarding request rejected", append(fieldsForLog, zap.Error(err))...)
	}

	return status, h.buildProblem(title, detail, problemType, status, fields, session)
}

func (h *Handler) classifyError(err error) (status int, title, detail, problemType string, fieldErrors map[string][]string) {
	var (
		validationErr             *service.ValidationError
		identityValidationErr     *identityservice.ValidationError
		planValidationErr         *plansservice.ValidationError
		verificationValidationErr *verificationservice.ValidationError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problemTypeValidation, validationErr.Fields
	case errors.As(err, &identityValidationErr):
		return http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problemTypeValidation, identityValidationErr.Fields
	case errors.As(err, &planValidationErr):
		return http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problemTypeValidation, planValidationErr.Fields
	case errors.As(err, &verificationValidationErr):
		return http.StatusBadRequest, "Validation failed", "one or more fields are invalid", problemTypeValidation, verificationValidationErr.Fields
	case errors.Is(err, service.ErrSessionRequired):
		return http.StatusBadRequest, "Session required", "the X-Session-ID header is required", problemTypeValidation,
			map[string][]string{requesttrace.SessionHeader: {"required"}}
	case errors.Is(err, identityservice.ErrTenantRequired):
		return http.StatusBadRequest, "Validation failed", "a tenant is required", problemTypeValidation,
			map[string][]string{"tenantId": {"required"}}
	case errors.Is(err, identityservice.ErrInsufficientScope):
		return http.StatusForbidden, "Forbidden", "the caller may not create this account", problemTypeForbidden, nil
	case errors.Is(err, service.ErrStepMismatch):
		return http.StatusConflict, "Step conflict", "the action is not available in the current step", problemTypeConflict, nil
	case errors.Is(err, identityservice.ErrAlreadyExists):
		return http.StatusConflict, "Already initialized", "a super admin already exists", problemTypeConflict, nil
	case errors.Is(err, identityservice.ErrConflict):
		return http.StatusConflict, "Conflict", "an account with this email already exists", problemTypeConflict, nil
	case errors.Is(err, service.ErrNoAttempt):
		return http.StatusConflict, "No verification code", "request a new verification code", problemTypeConflict, nil
	case errors.Is(err, plansservice.ErrPlanNotFound):
		return http.StatusNotFound, "Resource not found", "plan not found", problemTypeNotFound, nil
	case errors.Is(err, verificationservice.ErrAttemptNotFound):
		return http.StatusNotFound, "Resource not found", "verification attempt not found", problemTypeNotFound, nil
	case errors.Is(err, identityservice.ErrNotFound):
		return http.StatusNotFound, "Resource not found", "account not found", problemTypeNotFound, nil
	case errors.Is(err, verificationservice.ErrAttemptClosed):
		return http.StatusUnprocessableEntity, "Verification failed", "that code was replaced, use the latest code sent", problemTypeVerification, nil
	case errors.Is(err, verificationservice.ErrCodeInvalid):
		return http.StatusUnprocessableEntity, "Verification failed", "the code is not valid", problemTypeVerification, nil
	case errors.Is(err, verificationservice.ErrAttemptsExhausted):
		return http.StatusUnprocessableEntity, "Verification failed", "no attempts left, request a new code", problemTypeVerification, nil
	case errors.Is(err, verificationservice.ErrCodeExpired):
		return http.StatusGone, "Verification failed", "the code has expired, request a new code", problemTypeVerification, nil
	case errors.Is(err, verificationservice.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many requests", "wait before requesting another code", problemTypeRateLimited, nil
	case errors.Is(err, identityservice.ErrTransient),
		errors.Is(err, plansservice.ErrTransient),
		errors.Is(err, verificationservice.ErrTransient),
		errors.Is(err, service.ErrClosed),
		errors.Is(err, machine.ErrClosed):
		return http.StatusServiceUnavailable, "Service unavailable", "a backend is unavailable, try again", problemTypeUnavailable, nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout", "the request timed out", problemTypeUnavailable, nil
	default:
		return http.StatusInternalServerError, "Internal server error", "an unexpected error occurred", problemTypeInternal, nil
	}
}

func (h *Handler) buildProblem(title, detail, problemType string, status int, fieldErrors map[string][]string, session *statusResponse) problemDetails {
	problem := problemDetails{
		Title:   title,
		Status:  status,
		Session: session,
	}

	if detail != "" {
		problem.Detail = &detail
	}
	if problemType != "" {
		problem.Type = &problemType
	}

	if len(fieldErrors) > 0 {
		copied := make(map[string][]string, len(fieldErrors))
		for field, messages := range fieldErrors {
			copied[field] = append([]string(nil), messages...)
		}
		problem.Errors = copied
	}

	return problem
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProblem(w http.ResponseWriter, status int, problem problemDetails) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
