package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/allballa/call-scheduler/internal/api/handlers"
	"github.com/allballa/call-scheduler/internal/api/router"
	appconfig "github.com/allballa/call-scheduler/internal/config"
	"github.com/allballa/call-scheduler/internal/booking"
	"github.com/allballa/call-scheduler/internal/observability/metrics"
	"github.com/allballa/call-scheduler/internal/patients"
	"github.com/allballa/call-scheduler/internal/relay"
	"github.com/allballa/call-scheduler/internal/session"
	"github.com/allballa/call-scheduler/internal/slots"
	"github.com/allballa/call-scheduler/internal/speechai"
	"github.com/allballa/call-scheduler/internal/telephony"
	"github.com/allballa/call-scheduler/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting call scheduler",
		"env", cfg.Env,
		"port", cfg.Port,
		"clinic", cfg.ClinicName,
	)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	registry := prometheus.NewRegistry()
	callMetrics := metrics.NewCallMetrics(registry)

	slotEngine := slots.NewEngine(slots.NewRepository(pool), logger, callMetrics)
	patientRepo := patients.NewRepository(pool)
	bookingMgr := booking.NewManager(pool, booking.RetryPolicy{
		MaxAttempts: cfg.BookingMaxAttempts,
		BaseDelay:   cfg.BookingRetryBaseWait,
		MaxDelay:    2 * time.Second,
	}, logger, callMetrics)

	stateStore := session.NewStore(rdb, cfg.CallStateTTL)
	sessions := session.NewRegistry()

	engineClient := speechai.NewClient(speechai.Config{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIRealtimeModel,
		Voice:  cfg.OpenAIVoice,
	}, logger)

	callsCfg := handlers.CallsConfig{
		Logger:     logger,
		Metrics:    callMetrics,
		PublicHost: cfg.PublicHost,
		ClinicName: cfg.ClinicName,
		FromNumber: cfg.TwilioFromNumber,

		Patients: patientRepo,
		Slots:    slotEngine,
		Bookings: bookingMgr,
		Recorder: stateStore,
		Registry: sessions,
		Relay:    relay.New(logger),
		Dial: func(ctx context.Context) (handlers.EngineConn, error) {
			return engineClient.Dial(ctx)
		},

		SlotWindowDays: cfg.SlotWindowDays,
		MaxReselects:   cfg.MaxReselects,
		IdleTimeout:    cfg.ConversationIdleTimeout,
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		placer, err := telephony.NewClient(telephony.ClientConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
		})
		if err != nil {
			logger.Error("telephony client init failed", "error", err)
			os.Exit(1)
		}
		callsCfg.Calls = placer
	} else {
		logger.Warn("telephony credentials missing, outbound calling disabled")
	}

	r := router.New(&router.Config{
		Logger:         logger,
		Calls:          handlers.NewCallsHandler(callsCfg),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // media stream sockets stay open for the whole call
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// End live calls first so held slots return to the open pool.
	sessions.AbandonAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
