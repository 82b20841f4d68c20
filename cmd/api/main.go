// Package main is the entry point for the attendance verification API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/presence/internal/api"
	"github.com/onnwee/presence/internal/auth"
	"github.com/onnwee/presence/internal/biometric"
	"github.com/onnwee/presence/internal/config"
	"github.com/onnwee/presence/internal/db"
	"github.com/onnwee/presence/internal/evidence"
	"github.com/onnwee/presence/internal/health"
	"github.com/onnwee/presence/internal/idempotency"
	"github.com/onnwee/presence/internal/inference"
	"github.com/onnwee/presence/internal/jobs"
	"github.com/onnwee/presence/internal/ledger"
	"github.com/onnwee/presence/internal/liveness"
	"github.com/onnwee/presence/internal/middleware"
	"github.com/onnwee/presence/internal/network"
	"github.com/onnwee/presence/internal/tracing"
	"github.com/onnwee/presence/internal/verification"
)

// inferenceHealthPath is requested on each model service by /ready.
const inferenceHealthPath = "/healthz"

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to an optional YAML config file")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	if *help {
		fmt.Println("Presence API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *migrateOnly); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// run wires every component from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrateOnly bool) error {
	if cfg.TracingEnabled {
		provider, err := tracing.NewProvider(tracing.Config{
			ServiceName:  serviceName,
			Enabled:      true,
			Environment:  cfg.Env,
			ExporterType: cfg.TracingExporter,
			OTLPEndpoint: cfg.TracingEndpoint,
			SamplingRate: cfg.TracingSampleRate,
			InsecureMode: cfg.TracingInsecure,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down tracing", "error", err)
			}
		}()
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn, logger); err != nil {
		return err
	}
	if migrateOnly {
		logger.Info("migrations applied")
		return nil
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpMetrics := middleware.NewMetrics()
	verifyMetrics := verification.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for name, m := range map[string]interface {
		Register(prometheus.Registerer) error
	}{"http": httpMetrics, "verification": verifyMetrics, "jobs": jobMetrics} {
		if err := m.Register(registry); err != nil {
			return fmt.Errorf("failed to register %s metrics: %w", name, err)
		}
	}

	// Network policies, cached in Redis when available.
	var policies network.PolicySource = network.NewPostgresPolicyRepository(conn)
	if redisClient != nil {
		policies = network.NewCachedPolicySource(network.NewPostgresPolicyRepository(conn), redisClient, cfg.PolicyCacheTTL, logger)
	}
	networkChecker := network.NewChecker(policies)

	inferenceConfig := func(baseURL string) inference.ClientConfig {
		return inference.ClientConfig{BaseURL: baseURL, Timeout: cfg.InferenceTimeout}
	}
	embeddingClient, err := inference.NewEmbeddingClient(inferenceConfig(cfg.EmbeddingServiceURL))
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}
	livenessClient, err := inference.NewLivenessClient(inferenceConfig(cfg.LivenessServiceURL))
	if err != nil {
		return fmt.Errorf("failed to create liveness client: %w", err)
	}

	evaluator, err := liveness.NewEvaluator(livenessClient, cfg.LivenessThreshold)
	if err != nil {
		return err
	}
	matcher := biometric.NewMatcher(embeddingClient, biometric.NewPostgresEmbeddingRepository(conn, logger), logger)

	period, err := ledger.ParsePeriod(cfg.AttendancePeriod, cfg.AttendanceTimezone)
	if err != nil {
		return err
	}
	attendance := ledger.New(ledger.NewPostgresRepository(conn), period, ledger.WithLogger(logger))

	orchCfg := verification.Config{
		Thresholds: verification.Thresholds{
			Primary:       cfg.MatchPrimaryThreshold,
			Secondary:     cfg.MatchSecondaryThreshold,
			Corroboration: cfg.CorroborationThreshold,
		},
		History: attendance,
		Metrics: verifyMetrics,
		Logger:  logger,
	}

	var (
		linker          api.EvidenceLinker
		evidenceChecker api.HealthChecker
	)
	if cfg.EvidenceEnabled() {
		store, err := evidence.NewS3Store(evidence.S3Config{
			Bucket:          cfg.EvidenceBucket,
			AccessKeyID:     cfg.EvidenceAccessKeyID,
			SecretAccessKey: cfg.EvidenceSecretAccessKey,
			Endpoint:        cfg.EvidenceEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create evidence store: %w", err)
		}
		orchCfg.Archiver = evidence.NewArchiver(store, evidence.DefaultSanitizeConfig(), logger)
		linker = store
		evidenceChecker = store
		logger.Info("evidence archival enabled", "bucket", store.Bucket())
	}

	orchestrator, err := verification.NewOrchestrator(orchCfg, networkChecker, evaluator, matcher, attendance)
	if err != nil {
		return err
	}

	sweeper := ledger.NewSweepJob(ledger.SweepJobConfig{
		Interval:     cfg.SweepInterval,
		AbandonAfter: cfg.AbandonedAttemptAfter,
		Logger:       logger,
		JobMetrics:   jobMetrics,
	}, attendance)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Shared state lives in Redis when configured; otherwise it is per replica.
	var (
		limits  middleware.RateLimitStore
		replays idempotency.Repository
	)
	if redisClient != nil {
		limits = middleware.NewRedisRateLimitStore(redisClient,
			middleware.WithRateLimitMetrics(httpMetrics),
			middleware.WithRateLimitLogger(logger))
		replays = idempotency.NewRedisRepository(redisClient, idempotency.DefaultExpiry)
	} else {
		memLimits := middleware.NewInMemoryRateLimitStore()
		go cleanupRateLimits(ctx, memLimits)
		limits = memLimits

		memReplays := idempotency.NewInMemoryRepository()
		go idempotency.RunPeriodicCleanup(ctx, memReplays, idempotency.DefaultCleanupInterval, idempotency.DefaultExpiry, logger)
		replays = memReplays
	}

	healthCfg := api.HealthHandlersConfig{
		DBChecker:        health.NewDBChecker(conn),
		EmbeddingChecker: health.NewHTTPChecker("embedding service", cfg.EmbeddingServiceURL, inferenceHealthPath),
		LivenessChecker:  health.NewHTTPChecker("liveness service", cfg.LivenessServiceURL, inferenceHealthPath),
		EvidenceChecker:  evidenceChecker,
	}
	if redisClient != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(redisClient)
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	handler := newRouter(routerConfig{
		Health: api.NewHealthHandlers(healthCfg),
		Attendance: api.NewAttendanceHandlers(api.AttendanceHandlersConfig{
			Verifier: orchestrator,
			Reader:   attendance,
			Evidence: linker,
			Logger:   logger,
		}),
		Network: api.NewNetworkHandlers(networkChecker, logger),
		Reports: api.NewReportHandlers(attendance, logger),
		Auth: auth.NewJWTService(auth.Config{
			Secret:         cfg.JWTSecret,
			PreviousSecret: cfg.JWTPreviousSecret,
		}),
		Limits:      limits,
		VerifyLimit: middleware.VerifyLimit(cfg.VerifyRateLimit),
		GlobalLimit: middleware.DefaultGlobalLimit(),
		Idempotency: replays,
		Metrics:     httpMetrics,
		Gatherer:    registry,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Proxies:     proxies,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, server, logger)
}

// serve runs server until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// cleanupRateLimits drops expired in-memory buckets once a minute.
func cleanupRateLimits(ctx context.Context, store *middleware.InMemoryRateLimitStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Cleanup()
		}
	}
}
