package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/zenGate-Global/palmyra-farmops/domains/identity/be/credentials"
	identityrepo "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/repo"
	identityservice "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/repo"
	plansrepo "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/repo"
	plansservice "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/verification/be/delivery"
	verificationrepo "github.com/zenGate-Global/palmyra-farmops/domains/verification/be/repo"
	verificationservice "github.com/zenGate-Global/palmyra-farmops/domains/verification/be/service"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

const testTenant = "green-acres"

type captureSender struct {
	mu       sync.Mutex
	messages []delivery.Message
}

func (c *captureSender) Send(_ context.Context, msg delivery.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *captureSender) last(t *testing.T) delivery.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.messages)
	return c.messages[len(c.messages)-1]
}

// countingPlans records ConfirmPlan calls and can fail them.
type countingPlans struct {
	plansservice.Service

	mu         sync.Mutex
	confirms   int
	confirmErr error
}

func (c *countingPlans) ConfirmPlan(ctx context.Context, tenantID string, accountID uuid.UUID, sel plansservice.Selection) (plansservice.Confirmation, error) {
	c.mu.Lock()
	c.confirms++
	err := c.confirmErr
	c.mu.Unlock()
	if err != nil {
		return plansservice.Confirmation{}, err
	}
	return c.Service.ConfirmPlan(ctx, tenantID, accountID, sel)
}

func (c *countingPlans) confirmCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirms
}

func (c *countingPlans) failConfirm(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmErr = err
}

type harness struct {
	svc       Service
	identity  identityservice.Service
	plans     *countingPlans
	gateway   verificationservice.Gateway
	sender    *captureSender
	snapshots repo.Repository
	cfg       Config
	t         *testing.T
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	identity := identityservice.New(identityrepo.NewMemoryRepository(), credentials.NewDevProvider(), logger)

	catalog := plansservice.New(plansrepo.NewMemoryRepository())
	_, err := catalog.Seed(context.Background(), bytes.NewReader(plansservice.DefaultCatalog))
	require.NoError(t, err)

	sender := &captureSender{}
	gateway, err := verificationservice.New(verificationrepo.NewMemoryRepository(), sender, logger, verificationservice.Config{
		BcryptCost:  bcrypt.MinCost,
		ResendEvery: time.Millisecond,
		ResendBurst: 50,
	})
	require.NoError(t, err)

	h := &harness{
		identity:  identity,
		plans:     &countingPlans{Service: catalog},
		gateway:   gateway,
		sender:    sender,
		snapshots: repo.NewMemoryRepository(time.Hour, nil),
		cfg: Config{Machine: machine.Options{
			RetryInitialInterval: time.Millisecond,
			RetryMaxInterval:     5 * time.Millisecond,
		}},
		t: t,
	}
	h.svc = h.restart()
	return h
}

// restart builds a fresh service over the same stores, as a new API replica would.
func (h *harness) restart() Service {
	svc := New(h.identity, h.plans, h.gateway, h.snapshots, zaptest.NewLogger(h.t), h.cfg)
	h.t.Cleanup(svc.Close)
	return svc
}

// anonymous is a request with no bearer token on a deployment whose default tenant is green-acres.
func anonymous() context.Context {
	return tenant.WithSpace(context.Background(), tenant.Space{TenantID: testTenant, Defaulted: true})
}

// seedAccounts creates the super admin and the tenant admin outside any session.
func (h *harness) seedAccounts() identityservice.Account {
	h.t.Helper()
	ctx := context.Background()

	root, err := h.identity.CreateSuperAdmin(ctx,
		identityservice.ProfileDraft{FullName: "Root Admin", Email: "root@example.com"},
		identityservice.Credentials{Password: "root-password"},
	)
	require.NoError(h.t, err)

	actingCtx := tenant.WithSpace(identityservice.WithActingAccount(ctx, root.ID), tenant.Space{TenantID: testTenant})
	admin, err := h.identity.CreateTenantAdmin(actingCtx,
		identityservice.ProfileDraft{FullName: "Farm Admin", Email: "farm@example.com"},
		identityservice.Credentials{Password: "farm-password"},
		identityservice.RoleAdmin,
	)
	require.NoError(h.t, err)
	return admin
}

func (h *harness) selectStarter(ctx context.Context, sessionID string) machine.Status {
	h.t.Helper()
	status, err := h.svc.Check(ctx, sessionID)
	require.NoError(h.t, err)
	require.Equal(h.t, machine.StepNeedsPlanSelection, status.Step)

	status, err = h.svc.SelectPlan(ctx, sessionID, PlanForm{
		PlanID:        "starter",
		BillingPeriod: "monthly",
		Channel:       "sms",
		Address:       "+234 801 234 5678",
	})
	require.NoError(h.t, err)
	return status
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
