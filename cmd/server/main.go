package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/config"
	"github.com/stemsi/pengawas-backend/internal/database"
	"github.com/stemsi/pengawas-backend/internal/handler"
	"github.com/stemsi/pengawas-backend/internal/logger"
	"github.com/stemsi/pengawas-backend/internal/middleware"
	"github.com/stemsi/pengawas-backend/internal/repository"
	"github.com/stemsi/pengawas-backend/internal/router"
	"github.com/stemsi/pengawas-backend/internal/service"
	"github.com/stemsi/pengawas-backend/internal/validator"
	"github.com/stemsi/pengawas-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Pengawas Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// ─── Initialize Repositories ───────────────────────────────────────
	sessionRepo := repository.NewSessionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	alertRepo := repository.NewAlertRepository(pool)
	assessmentRepo := repository.NewAssessmentRepository(pool)

	// ─── Initialize Channel Hub ────────────────────────────────────────
	hub := channel.NewHub(log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	assessmentService := service.NewAssessmentService(assessmentRepo, rdb, log)
	answerCache := service.NewRedisAnswerCache(rdb)
	sessionService := service.NewSessionService(
		sessionRepo, answerRepo, assessmentService, assessmentRepo, answerCache, hub, log,
	)
	alertService := service.NewAlertService(alertRepo, sessionRepo, hub, log)
	monitorService := service.NewMonitorService(sessionRepo, answerRepo, alertRepo, hub, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	alertLimiter := middleware.NewRateLimiter(cfg.AlertRatePerMinute, time.Minute)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, assessmentService, alertService, log),
		Monitor: handler.NewMonitorHandler(monitorService, sessionService, alertService, log),
		WS:      handler.NewWSHandler(hub, sessionService, alertService, alertLimiter, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	answerWorker := worker.NewAnswerWorker(rdb, answerRepo, log)
	go answerWorker.Run(workerCtx)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published assessments into Redis BEFORE accepting traffic,
	// so the first submit of the day never races a cold answer key.
	if err := assessmentService.PrewarmCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Recover Deadlines ────────────────────────────────────────────
	// Re-arm timers for sessions that were running when the process last
	// stopped; overdue ones submit immediately with DEADLINE_EXPIRED.
	if err := sessionService.RecoverDeadlines(ctx); err != nil {
		log.Error().Err(err).Msg("Deadline recovery failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, alertLimiter, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Disarm timers; the recovery sweep re-arms them on next start.
	sessionService.Deadlines().StopAll()

	// 3. Stop the worker and wait for the persist queue to drain.
	workerCancel()
	time.Sleep(2 * time.Second)

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
