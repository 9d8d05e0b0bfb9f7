package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/exam"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/journal"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/stage1"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("backend", cfg.BackendURL).
		Msg("Starting ExStem Proctor gateway")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Repositories & Services ───────────────────────────────────────
	journalRepo := repository.NewJournalRepository(pool)
	authService := service.NewAuthService(cfg)
	registry := service.NewSessionRegistry(rdb, cfg.SessionLockTTL, log)
	sink := journal.NewRedisSink(rdb, cfg.JournalBufferSize, log)
	queue := worker.NewRedisQueue(rdb, config.WorkerKey.PersistJournalQueue)

	opts := exam.Options{
		DurationSeconds:        cfg.ExamDurationSeconds,
		TimeWarningSeconds:     cfg.TimeWarningSeconds,
		ViolationBannerSeconds: cfg.ViolationBannerSeconds,
	}
	newBackend := func(token string) exam.Backend {
		return stage1.NewClient(cfg.BackendURL, token, cfg.BackendTimeout, log)
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	checks := []handler.HealthCheck{
		{Name: "postgres", Ping: pool.Ping},
		{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}
	queueDepth := func(ctx context.Context) (int64, error) {
		return rdb.LLen(ctx, config.WorkerKey.PersistJournalQueue).Result()
	}
	handlers := &router.Handlers{
		WS:      handler.NewWSHandler(registry, newBackend, sink, opts, log, cfg.AllowedOrigins),
		Proctor: handler.NewProctorHandler(journalRepo, log),
		Monitor: handler.NewMonitorHandler(journal.NewFeed(rdb), log),
		System:  handler.NewSystemHandler(checks, queueDepth, sink, log),
	}

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router.SetupRouter(authService, handlers, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Run ───────────────────────────────────────────────────────────
	// Background workers outlive the HTTP server so sessions closed during
	// shutdown still get their journal entries shipped.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	g, gctx := errgroup.WithContext(ctx)
	var workers errgroup.Group
	workers.Go(func() error {
		sink.Run(workerCtx)
		return nil
	})
	workers.Go(func() error {
		worker.NewJournalWorker(journalRepo, queue, log).Start(workerCtx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// 1. Stop accepting new HTTP requests (5s timeout).
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	// 2. Stop background workers and wait for them to flush.
	workerCancel()
	_ = workers.Wait()

	log.Info().Int64("journal_dropped", sink.Dropped()).Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
