// Package main is the entry point for the fleet tracking API server.
// Its sole responsibility is wiring dependencies together and starting the
// server. No business logic belongs here.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for goose
	"github.com/pressly/goose/v3"

	"github.com/mwiesner/fleettrack/internal/access"
	"github.com/mwiesner/fleettrack/internal/auth"
	"github.com/mwiesner/fleettrack/internal/broker"
	"github.com/mwiesner/fleettrack/internal/config"
	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/handler"
	"github.com/mwiesner/fleettrack/internal/ingest"
	"github.com/mwiesner/fleettrack/internal/metrics"
	"github.com/mwiesner/fleettrack/internal/notify"
	"github.com/mwiesner/fleettrack/internal/repo"
	"github.com/mwiesner/fleettrack/internal/routing"
	"github.com/mwiesner/fleettrack/internal/trip"
	"github.com/mwiesner/fleettrack/migrations"
)

func main() {
	// --- Config -----------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	// --- Logger -----------------------------------------------------------
	// JSON handler writes machine-readable output suitable for log
	// aggregators.
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// --- Database ---------------------------------------------------------
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connection established")

	if err := migrate(cfg.DatabaseURL); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// --- Repositories -----------------------------------------------------
	tripRepo := repo.NewTripRepo(pool)
	routeRepo := repo.NewRouteRepo(pool)
	sampleRepo := repo.NewSampleRepo(pool)
	assignmentRepo := repo.NewAssignmentRepo(pool)

	// --- Engine -----------------------------------------------------------
	collector := metrics.NewCollector()

	var router trip.Router
	if cfg.OSRMBaseURL != "" {
		router = routing.NewOSRMClient(cfg.OSRMBaseURL, logger)
		slog.Info("routing provider enabled", "base_url", cfg.OSRMBaseURL)
	}

	tracker := trip.NewTracker(tripRepo, routeRepo, router, cfg.OverdueGrace, collector, logger)
	b := broker.New(tracker, cfg.SubscriberQueueSize, collector, logger)

	var sink notify.Sink = notify.LogSink{Log: logger}
	if cfg.NATSURL != "" {
		natsSink, err := notify.NewNATSSink(cfg.NATSURL, cfg.NATSSubjectPrefix, collector, logger)
		if err != nil {
			slog.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsSink.Close()
		sink = natsSink
		slog.Info("notification sink connected", "url", cfg.NATSURL)
	}
	notifier := notify.NewArrivalNotifier(sink, assignmentRepo, routeRepo, collector, logger)

	// Background work: the side-effect pool and the delay monitor run until
	// shutdown cancels this context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerPool := ingest.NewPool(cfg.PoolWorkers, cfg.PoolQueueDepth, logger)
	workerPool.Start(ctx)

	// Lifecycle transitions fan out like applied samples: broadcast first,
	// then evaluate arrival alerts off the critical path. Terminal snapshots
	// must reach the notifier so it releases the trip's dedup records.
	tracker.OnChange = func(snap domain.TripSnapshot) {
		b.Publish(snap)
		if !workerPool.Submit(func(taskCtx context.Context) {
			notifier.Evaluate(taskCtx, snap)
		}) {
			logger.Warn("arrival evaluation dropped", "trip_id", snap.TripID)
		}
	}

	ingestor := ingest.NewIngestor(sampleRepo, tracker, b, notifier, workerPool,
		cfg.AccuracyThresholdM, collector, logger)

	gate := access.NewGate(tripRepo, assignmentRepo)

	var authProvider handler.AuthProvider
	if cfg.RedisURL != "" {
		redisAuth, err := auth.NewRedisProvider(context.Background(), cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			slog.Error("failed to connect to session store", "error", err)
			os.Exit(1)
		}
		defer redisAuth.Close()
		authProvider = redisAuth
		slog.Info("session store connected")
	} else {
		staticAuth, err := auth.ParseStaticTokens(cfg.AuthTokens)
		if err != nil {
			slog.Error("invalid AUTH_TOKENS", "error", err)
			os.Exit(1)
		}
		authProvider = staticAuth
		slog.Warn("using static auth tokens; set REDIS_URL in production")
	}

	go tracker.RunMonitor(ctx, cfg.MonitorInterval)

	// --- HTTP servers -----------------------------------------------------
	srv := handler.NewServer(ingestor, tracker, tripRepo, sampleRepo, gate, authProvider, b,
		cfg.SubscriberIdleTimeout, logger)

	// No blanket read/write timeouts: /ws/track connections are long-lived
	// and manage their own deadlines. ReadHeaderTimeout still bounds the
	// handshake.
	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", collector.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("metrics server starting", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		slog.Info("server starting", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	cancel()
	workerPool.Close()
	slog.Info("server stopped")
}

// migrate applies pending schema migrations. goose needs database/sql, so a
// short-lived stdlib connection is used alongside the pgx pool.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	results, err := provider.Up(context.Background())
	if err != nil {
		return err
	}
	for _, r := range results {
		slog.Info("applied migration", "migration", r.Source.Path)
	}
	return nil
}
