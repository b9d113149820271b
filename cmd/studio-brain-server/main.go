package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/studio-brain/capabilities/internal/api"
	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/chread"
	"github.com/studio-brain/capabilities/internal/connector"
	"github.com/studio-brain/capabilities/internal/intake"
	"github.com/studio-brain/capabilities/internal/orchestrator"
	"github.com/studio-brain/capabilities/internal/pilot"
	"github.com/studio-brain/capabilities/internal/policy"
	"github.com/studio-brain/capabilities/internal/proposal"
	"github.com/studio-brain/capabilities/internal/quota"
	"github.com/studio-brain/capabilities/internal/ratelimit"
	"github.com/studio-brain/capabilities/internal/storage"
	"github.com/studio-brain/capabilities/internal/store"
)

const healthService = "studio_brain.capabilities.v1.Runtime"

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("STUDIO_BRAIN_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("STUDIO_BRAIN_HTTP_PORT", "8080")
	grpcPort := envOrDefaultInt("STUDIO_BRAIN_GRPC_HEALTH_PORT", 9090)
	postgresDSN := os.Getenv("POSTGRES_DSN")
	redisURL := os.Getenv("REDIS_URL")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	clickhouseSecure := envOrDefaultBool("CLICKHOUSE_SECURE", false)
	jwtSecret := os.Getenv("STUDIO_BRAIN_JWT_SECRET")
	jwtIssuer := os.Getenv("STUDIO_BRAIN_JWT_ISSUER")
	adminHash := os.Getenv("STUDIO_BRAIN_ADMIN_TOKEN_HASH")
	adminRole := envOrDefault("STUDIO_BRAIN_ADMIN_ROLE", orchestrator.DefaultAdminRole)
	staffRole := envOrDefault("STUDIO_BRAIN_STAFF_ROLE", "staff")
	corsOrigins := envOrDefaultList("STUDIO_BRAIN_CORS_ORIGINS", nil)
	signingKey := os.Getenv("STUDIO_BRAIN_AUDIT_SIGNING_KEY")
	retentionDays := envOrDefaultInt("STUDIO_BRAIN_AUDIT_RETENTION_DAYS", 365)
	endpointLimit := envOrDefaultInt("STUDIO_BRAIN_ENDPOINT_LIMIT_PER_MIN", api.DefaultEndpointLimit)
	blockThreshold := envOrDefaultFloat("STUDIO_BRAIN_INTAKE_BLOCK_THRESHOLD", 0.8)
	pilotURL := os.Getenv("STUDIO_BRAIN_PILOT_BACKEND_URL")
	cacheTTL := envOrDefaultInt("STUDIO_BRAIN_AUTH_CACHE_TTL_S", 30)
	connectorSpecs := envOrDefaultList("STUDIO_BRAIN_CONNECTORS", nil)
	catalogFile := os.Getenv("STUDIO_BRAIN_CAPABILITIES_FILE")

	logger.Info("starting studio brain capability server",
		zap.String("http_port", httpPort),
		zap.Int("grpc_health_port", grpcPort),
		zap.Int("endpoint_limit_per_min", endpointLimit),
		zap.Float32("intake_block_threshold", blockThreshold),
	)

	// Capability catalog
	var (
		catalog *capability.Registry
		err     error
	)
	if catalogFile != "" {
		catalog, err = capability.LoadFile(catalogFile)
	} else {
		catalog, err = capability.Default()
	}
	if err != nil {
		logger.Fatal("failed to load capability catalog", zap.Error(err))
	}
	logger.Info("capability catalog loaded", zap.Int("capabilities", len(catalog.List())))

	// Audit mirror: ClickHouse or LogWriter fallback
	var mirror storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(context.Background(), clickhouseDSN, clickhouseSecure, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			mirror = storage.NewLogWriter(logger)
		} else {
			if err := chWriter.EnsureSchema(context.Background()); err != nil {
				logger.Warn("clickhouse schema setup failed", zap.Error(err))
			}
			mirror = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		mirror = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer mirror.Close()

	// ClickHouse reader for the analytics endpoint
	var analytics api.AnalyticsReader
	if clickhouseDSN != "" {
		reader, err := chread.NewReader(context.Background(), clickhouseDSN, clickhouseSecure, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = reader.Close() }()
			analytics = reader
			logger.Info("clickhouse reader connected")
		}
	}

	// System of record: Postgres or in-memory
	var (
		proposals   proposal.Store
		quotas      quota.Store
		policyStore policy.Store
		intakeStore intake.Store
		auditStore  audit.Store
		executions  pilot.Ledger
		tokens      api.ServiceTokens
		tokenLookup auth.TokenLookup
	)
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pg := store.NewStore(db)
		if err := pg.Migrate(context.Background()); err != nil {
			logger.Fatal("failed to migrate postgres", zap.Error(err))
		}
		proposals = pg.Proposals()
		quotas = pg.Quotas()
		policyStore = pg.Policy()
		intakeStore = pg.Intake()
		auditStore = pg.Audit()
		executions = pg.Executions()
		svc := pg.ServiceTokens()
		tokens, tokenLookup = svc, svc
		logger.Info("postgres connected")
	} else {
		proposals = proposal.NewMemoryStore()
		quotas = quota.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		intakeStore = intake.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		executions = pilot.NewMemoryLedger()
		logger.Warn("no POSTGRES_DSN set, using in-memory stores; state is lost on restart")
	}

	// Pilot write backend
	var backend pilot.Backend
	if pilotURL != "" {
		backend = pilot.NewHTTPBackend(pilotURL, 0, 0)
		logger.Info("pilot backend configured", zap.String("url", pilotURL))
	} else {
		backend = pilot.NewMemoryBackend()
		logger.Info("no STUDIO_BRAIN_PILOT_BACKEND_URL set, pilot writes are in-memory")
	}

	// Read-only connectors
	connectors, closeConnectors := buildConnectors(connectorSpecs, logger)
	defer closeConnectors()

	// Runtime
	rt := orchestrator.New(orchestrator.Deps{
		Capabilities: catalog,
		Proposals:    proposals,
		Quotas:       quotas,
		Policy:       policy.NewLedger(policyStore),
		Intake:       intakeStore,
		Screener: intake.NewScreener(intake.DefaultDetectors(), intake.Config{
			BlockThreshold: blockThreshold,
			Timeout:        intake.DefaultConfig().Timeout,
		}, logger),
		Audit:      audit.NewRecorder(auditStore, mirror, logger),
		Exporter:   audit.NewExporter(auditStore, []byte(signingKey)),
		Pilot:      pilot.NewExecutor(backend, executions, logger),
		Connectors: connectors,
		AdminRole:  adminRole,
		Logger:     logger,
	})

	// Auth: JWT for people, sbk_ service tokens for agents
	var jwtVerifier, serviceVerifier auth.Verifier
	if jwtSecret != "" {
		jwtVerifier = auth.NewJWTVerifier([]byte(jwtSecret), jwtIssuer, staffRole)
	} else {
		logger.Warn("no STUDIO_BRAIN_JWT_SECRET set, bearer JWTs will be rejected")
	}
	if tokenLookup != nil {
		serviceVerifier = auth.NewServiceTokenVerifier(tokenLookup, time.Duration(cacheTTL)*time.Second, logger)
	}
	adminToken := auth.NewAdminToken(adminHash)
	if adminToken.Enabled() {
		logger.Info("admin token header enabled")
	}

	// Endpoint throttle: Redis or in-memory
	var limiter ratelimit.Limiter
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		limiter = ratelimit.NewRedis(client, time.Minute, logger)
		logger.Info("redis endpoint throttle enabled")
	} else {
		limiter = ratelimit.NewInMemory(time.Minute)
		logger.Info("no REDIS_URL set, endpoint throttle is per-replica")
	}

	// Background retention
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if retentionDays > 0 {
		retention := audit.NewRetention(auditStore, time.Duration(retentionDays)*24*time.Hour, time.Hour, logger)
		go retention.Run(ctx)
	}

	// HTTP API server
	deps := &api.Dependencies{
		Runtime:       rt,
		Verifier:      auth.NewMulti(jwtVerifier, serviceVerifier),
		AdminToken:    adminToken,
		Limiter:       limiter,
		EndpointLimit: endpointLimit,
		CORSOrigins:   corsOrigins,
		AdminRole:     adminRole,
		ServiceTokens: tokens,
		Analytics:     analytics,
		Logger:        logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC health for load balancers
	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if grpcPort > 0 {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(grpcPort))
		if err != nil {
			logger.Fatal("failed to listen", zap.Int("port", grpcPort), zap.Error(err))
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		reflection.Register(grpcServer)
		go func() {
			logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("grpc server failed", zap.Error(err))
			}
		}()
	}

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	if healthServer != nil {
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	logger.Info("studio brain capability server stopped")
}

// buildConnectors registers a connector for every configured target. The
// studio target falls back to a static snapshot when nothing is configured.
func buildConnectors(entries []string, logger *zap.Logger) (*connector.Registry, func()) {
	reg := connector.NewRegistry()
	var closers []func() error

	specs, err := connector.ParseSpecs(entries)
	if err != nil {
		logger.Fatal("invalid STUDIO_BRAIN_CONNECTORS", zap.Error(err))
	}
	for _, s := range specs {
		switch s.Scheme {
		case "grpc":
			c, err := connector.DialGRPC(s.Target, s.Addr)
			if err != nil {
				logger.Error("failed to dial connector, skipping", zap.String("target", s.Target), zap.Error(err))
				continue
			}
			closers = append(closers, c.Close)
			reg.Register(s.Target, c)
		default:
			reg.Register(s.Target, connector.NewHTTPConnector(s.Target, s.Addr, 0, 0))
		}
		logger.Info("connector registered", zap.String("target", s.Target), zap.String("scheme", s.Scheme))
	}
	if _, ok := reg.Get("studio"); !ok {
		reg.Register("studio", connector.NewStaticConnector("studio-static", map[string]any{"mode": "static"}))
	}

	return reg, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envOrDefaultList splits a comma-separated variable, dropping blanks.
func envOrDefaultList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
