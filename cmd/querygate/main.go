package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/kvndo/querygate/config"
	"github.com/kvndo/querygate/internal/audit"
	"github.com/kvndo/querygate/internal/auth"
	"github.com/kvndo/querygate/internal/backend"
	"github.com/kvndo/querygate/internal/budget"
	"github.com/kvndo/querygate/internal/executor"
	"github.com/kvndo/querygate/internal/gate"
	"github.com/kvndo/querygate/internal/idempotency"
	"github.com/kvndo/querygate/internal/safety"
	"github.com/kvndo/querygate/internal/seeder"
	"github.com/kvndo/querygate/internal/server"
	"github.com/kvndo/querygate/internal/telemetry"
	"github.com/kvndo/querygate/internal/workflow"
	"github.com/kvndo/querygate/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("querygate", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init audit trail
	auditStore := audit.NewPostgresStore(pool)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 8. Init admission gate
	engine := safety.NewEngine(safety.Config{
		DefaultLimit:     cfg.DefaultQueryLimit,
		MaxJoinDepth:     cfg.MaxJoinDepth,
		MaxSubqueryDepth: cfg.MaxSubqueryDepth,
		PartitionColumns: cfg.PartitionColumns,
	})
	ledger := budget.NewRedisLedger(rdb, cfg.HourlyBudgetBytes)
	admission := gate.New(engine, ledger, gate.Limits{
		SoftMaxBytes: cfg.PerQuerySoftMaxBytes,
		HardMaxBytes: cfg.PerQueryHardMaxBytes,
	})

	// 9. Init query backends behind a circuit-breaking router
	backends := []backend.Backend{backend.NewPostgres(pool)}
	if os.Getenv("ENABLE_MOCK_BACKEND") == "true" {
		backends = append(backends, backend.NewMock(nil))
	}
	queryRouter := backend.NewRouter(backends)

	// 10. Init executor and workflow runner
	exec := executor.New(queryRouter, cfg.MaxRetries, 30*time.Second)
	stepStore := idempotency.NewRedisStore(rdb, 24*time.Hour)
	tracer := otel.GetTracerProvider().Tracer("querygate")
	runner := workflow.NewRunner(admission, exec, stepStore, ledger, auditStore, tracer)

	handler := server.NewHandler(runner, auditStore, limiter)

	// 11. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"querygate"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/query", handler.HandleQuery)
		r.Post("/v1/workflows/{workflowID}/run", handler.HandleWorkflowRun)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("querygate starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
