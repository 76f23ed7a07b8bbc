package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-farmops/contracts"
	identityrepo "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/repo"
	identityservice "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/service"
	onboardinghandler "github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/handler"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
	onboardingrepo "github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/repo"
	onboardingservice "github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/service"
	plansrepo "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/repo"
	plansservice "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/verification/be/delivery"
	verificationrepo "github.com/zenGate-Global/palmyra-farmops/domains/verification/be/repo"
	verificationservice "github.com/zenGate-Global/palmyra-farmops/domains/verification/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
	platformmiddleware "github.com/zenGate-Global/palmyra-farmops/platform/go/middleware"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
	tenantmiddleware "github.com/zenGate-Global/palmyra-farmops/platform/go/tenant/middleware"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"` // json | console
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	EnvKey          string        `env:"ENV_KEY,required"`

	// DatabaseURL empty runs every store in memory (local demos only).
	DatabaseURL            string        `env:"DATABASE_URL"`
	DatabaseMaxConns       int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	DatabaseConnectTimeout time.Duration `env:"DATABASE_CONNECT_TIMEOUT" envDefault:"30s"`
	AutoMigrate            bool          `env:"AUTO_MIGRATE" envDefault:"false"`
	SeedPlans              bool          `env:"SEED_PLANS" envDefault:"false"`
	AuthProvider           string        `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | dev
	FirebaseConfig         string        `env:"FIREBASE_CONFIG"`
	FirebaseProject        string        `env:"GCLOUD_PROJECT"`
	DefaultTenantID        string        `env:"DEFAULT_TENANT_ID"`

	SessionStore       string        `env:"SESSION_STORE" envDefault:"memory"` // memory | redis
	RedisURL           string        `env:"REDIS_URL"`
	SessionIdleTTL     time.Duration `env:"SESSION_IDLE_TTL" envDefault:"30m"`
	SessionSnapshotTTL time.Duration `env:"SESSION_SNAPSHOT_TTL" envDefault:"24h"`

	VerificationTTL         time.Duration `env:"VERIFICATION_TTL" envDefault:"10m"`
	VerificationMaxAttempts int           `env:"VERIFICATION_MAX_ATTEMPTS" envDefault:"5"`
	VerificationResendEvery time.Duration `env:"VERIFICATION_RESEND_EVERY" envDefault:"30s"`
	VerificationResendBurst int           `env:"VERIFICATION_RESEND_BURST" envDefault:"3"`
	DevVerificationCode     string        `env:"DEV_VERIFICATION_CODE"`

	CheckRetryInitial     time.Duration `env:"CHECK_RETRY_INITIAL" envDefault:"500ms"`
	CheckRetryMax         time.Duration `env:"CHECK_RETRY_MAX" envDefault:"10s"`
	CheckRetryMaxAttempts uint64        `env:"CHECK_RETRY_MAX_ATTEMPTS" envDefault:"5"`

	Sender             string        `env:"SENDER,required"` // webhook, or log in devcodes builds
	SenderWebhookURL   string        `env:"SENDER_WEBHOOK_URL"`
	SenderWebhookToken string        `env:"SENDER_WEBHOOK_TOKEN"`
	SenderTimeout      time.Duration `env:"SENDER_TIMEOUT" envDefault:"10s"`
}

type stores struct {
	identity     identityrepo.Repository
	plans        plansrepo.Repository
	verification verificationrepo.Repository
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	repos, closeStores := buildStores(ctx, cfg, logger)
	defer closeStores()

	auth := buildAuth(ctx, cfg, logger)

	identitySvc := identityservice.New(repos.identity, auth.provider, logger.Named("identity"))

	plansSvc := plansservice.New(repos.plans)
	if cfg.SeedPlans || cfg.DatabaseURL == "" {
		seeded, err := plansSvc.Seed(ctx, bytes.NewReader(plansservice.DefaultCatalog))
		if err != nil {
			logger.Fatal("seed plan catalog", zap.Error(err))
		}
		logger.Info("plan catalog seeded", zap.Int("plans", len(seeded)))
	}

	sender, err := delivery.New(cfg.Sender, logger.Named("delivery"), delivery.WebhookConfig{
		URL:     cfg.SenderWebhookURL,
		Token:   cfg.SenderWebhookToken,
		Timeout: cfg.SenderTimeout,
	})
	if err != nil {
		logger.Fatal("init code sender", zap.Error(err))
	}

	gateway, err := verificationservice.New(repos.verification, sender, logger.Named("verification"), verificationservice.Config{
		TTL:         cfg.VerificationTTL,
		MaxAttempts: cfg.VerificationMaxAttempts,
		ResendEvery: cfg.VerificationResendEvery,
		ResendBurst: cfg.VerificationResendBurst,
		FixedCode:   cfg.DevVerificationCode,
	})
	if err != nil {
		logger.Fatal("init verification gateway", zap.Error(err))
	}

	snapshots := buildSnapshotStore(ctx, cfg, logger)

	onboardingSvc := onboardingservice.New(identitySvc, plansSvc, gateway, snapshots, logger.Named("onboarding"), onboardingservice.Config{
		IdleTTL: cfg.SessionIdleTTL,
		Machine: machine.Options{
			Logger:               logger.Named("machine"),
			RetryInitialInterval: cfg.CheckRetryInitial,
			RetryMaxInterval:     cfg.CheckRetryMax,
			RetryMaxAttempts:     cfg.CheckRetryMaxAttempts,
		},
	})
	defer onboardingSvc.Close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		if err := onboardingSvc.Run(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session sweeper stopped", zap.Error(err))
		}
	}()

	onboardingHTTPHandler := onboardinghandler.New(onboardingSvc, logger)

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.CORS(platformmiddleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins}),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger, "/healthz", "/readyz"))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	docs, err := loadDocs(contracts.All())
	if err != nil {
		logger.Fatal("load contracts", zap.Error(err))
	}
	docs.register(rootRouter)

	apiRouter := chi.NewRouter()
	apiRouter.Use(auth.middleware)
	apiRouter.Use(platformmiddleware.RequestTrace)
	apiRouter.Use(tenantmiddleware.WithTenantSpace(tenantmiddleware.Config{
		DefaultTenantID: cfg.DefaultTenantID,
	}))

	onboardingValidator := mustNewSpecValidator(logger, docs, "onboarding")
	apiRouter.Group(func(r chi.Router) {
		r.Use(onboardingValidator)
		onboardingHTTPHandler.Register(r)
	})

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildStores opens Postgres when DATABASE_URL is set and falls back to memory otherwise.
func buildStores(ctx context.Context, cfg config, logger *zap.Logger) (stores, func()) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set; using in-memory stores, state is lost on restart")
		return stores{
			identity:     identityrepo.NewMemoryRepository(),
			plans:        plansrepo.NewMemoryRepository(),
			verification: verificationrepo.NewMemoryRepository(),
		}, func() {}
	}

	schema := tenant.BuildSchemaName(cfg.EnvKey, "onboarding")
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:      cfg.DatabaseURL,
		SearchPath:      schema,
		ApplicationName: "farmops-api",
		MaxConns:        cfg.DatabaseMaxConns,
		ConnectTimeout:  cfg.DatabaseConnectTimeout,
	})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}

	if cfg.AutoMigrate {
		if err := persistence.ApplyOnboardingSchema(ctx, pool, schema); err != nil {
			logger.Fatal("apply onboarding schema", zap.String("schema", schema), zap.Error(err))
		}
	}
	mustSchemaReady(ctx, pool, schema, logger)

	accountStore, err := persistence.NewAccountStore(ctx, pool)
	if err != nil {
		logger.Fatal("init account store", zap.Error(err))
	}
	planStore, err := persistence.NewPlanStore(ctx, pool)
	if err != nil {
		logger.Fatal("init plan store", zap.Error(err))
	}
	verificationStore, err := persistence.NewVerificationStore(ctx, pool)
	if err != nil {
		logger.Fatal("init verification store", zap.Error(err))
	}

	return stores{
		identity:     identityrepo.NewPostgresRepository(accountStore),
		plans:        plansrepo.NewPostgresRepository(planStore),
		verification: verificationrepo.NewPostgresRepository(verificationStore),
	}, func() { persistence.ClosePool(pool) }
}

func mustSchemaReady(ctx context.Context, pool *pgxpool.Pool, schema string, logger *zap.Logger) {
	ready, err := persistence.SchemaReady(ctx, pool, schema)
	if err != nil {
		logger.Fatal("check onboarding schema", zap.String("schema", schema), zap.Error(err))
	}
	if !ready {
		logger.Fatal("onboarding schema missing; run `farmops bootstrap migrate` or set AUTO_MIGRATE=true", zap.String("schema", schema))
	}
}

func buildSnapshotStore(ctx context.Context, cfg config, logger *zap.Logger) onboardingrepo.Repository {
	switch strings.ToLower(strings.TrimSpace(cfg.SessionStore)) {
	case "", "memory":
		return onboardingrepo.NewMemoryRepository(cfg.SessionSnapshotTTL, time.Now)
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			logger.Fatal("REDIS_URL required when SESSION_STORE=redis")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("parse REDIS_URL", zap.Error(err))
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("ping redis", zap.Error(err))
		}
		snapshots, err := onboardingrepo.NewRedisRepository(onboardingrepo.RedisConfig{
			Client: client,
			Prefix: cfg.EnvKey + ":onboarding:session:",
			TTL:    cfg.SessionSnapshotTTL,
		})
		if err != nil {
			logger.Fatal("init redis snapshot store", zap.Error(err))
		}
		return snapshots
	default:
		logger.Fatal("invalid SESSION_STORE (use memory or redis)", zap.String("store", cfg.SessionStore))
		return nil
	}
}

// mustNewSpecValidator builds oapi-codegen validator middleware for an embedded contract.
func mustNewSpecValidator(logger *zap.Logger, docs *docsRegistry, name string) func(http.Handler) http.Handler {
	spec, ok := docs.spec(name)
	if !ok {
		logger.Fatal("unknown contract", zap.String("name", name))
	}
	logSecuritySchemes(logger, name, spec)
	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: platformmiddleware.ValidateAuthenticationViaSwagger,
		},
		ErrorHandler: problemErrorHandler,
	})
}

func logSecuritySchemes(logger *zap.Logger, name string, spec *openapi3.T) {
	if spec == nil || spec.Components == nil {
		return
	}
	schemes := make([]string, 0, len(spec.Components.SecuritySchemes))
	for scheme := range spec.Components.SecuritySchemes {
		schemes = append(schemes, scheme)
	}
	logger.Debug("contract loaded", zap.String("name", name), zap.Strings("security_schemes", schemes))
}

// problemErrorHandler renders validator rejections as problem+json like the domain handlers.
func problemErrorHandler(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://farmops.palmyra.dev/problems/validation-error",
		"title":  http.StatusText(statusCode),
		"status": statusCode,
		"detail": message,
	})
}
