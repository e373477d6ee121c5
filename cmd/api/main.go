package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocoder89/greeter/internal/auth"
	"github.com/geocoder89/greeter/internal/awsclient"
	"github.com/geocoder89/greeter/internal/config"
	"github.com/geocoder89/greeter/internal/deliverylog"
	"github.com/geocoder89/greeter/internal/httpapi"
	"github.com/geocoder89/greeter/internal/monitor"
	"github.com/geocoder89/greeter/internal/observability"
	"github.com/geocoder89/greeter/internal/queue"
	"github.com/geocoder89/greeter/internal/redrive"
	"github.com/geocoder89/greeter/internal/scheduler"
	"github.com/geocoder89/greeter/internal/store"
	"github.com/geocoder89/greeter/internal/webhook"
)

const adminTokenTTL = time.Hour

func main() {
	// Load the config set up
	_ = godotenv.Load()
	cfg := config.Load()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)

	if err := cfg.RequireAPI(); err != nil {
		log.Error("configuration incomplete", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, "greeter-api", cfg.Env, cfg.OTLPEndpoint, cfg.TraceSampleRatio)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			sctx, cancel := config.WithTimeout(5 * time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewProm(reg)

	awsCfg, err := awsclient.Load(ctx, cfg.AWSRegion, cfg.AWSEndpointURL)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	dynamo := dynamodb.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	st, err := store.New(store.Config{Client: dynamo, Table: cfg.UsersTable, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	mainQ, err := queue.Open(ctx, queue.Config{Client: sqsClient, Name: cfg.QueueName, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("open main queue: %w", err)
	}
	dlq, err := queue.Open(ctx, queue.Config{Client: sqsClient, Name: cfg.DLQName, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}

	routerCfg := httpapi.Config{
		Env:       cfg.Env,
		Logger:    log,
		Metrics:   metrics,
		Registry:  reg,
		JWT:       auth.NewManager(cfg.AdminJWTSecret, adminTokenTTL, clockwork.NewRealClock()),
		AdminHash: cfg.AdminPasswordHash,
		MainQueue: mainQ,
		DLQ:       dlq,
	}

	swp, err := scheduler.New(scheduler.Config{Store: st, Queue: mainQ, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	routerCfg.Scheduler = swp

	mon, err := monitor.New(monitor.Config{Store: st, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}
	routerCfg.Monitor = mon

	// The redrive trigger needs a receiver to probe; without a webhook URL
	// the endpoint answers 503.
	if cfg.HookbinURL != "" {
		hook, err := webhook.New(webhook.Config{URL: cfg.HookbinURL, Secret: cfg.WebhookSecret, Logger: log, Metrics: metrics})
		if err != nil {
			return fmt.Errorf("build webhook client: %w", err)
		}
		rdr, err := redrive.New(redrive.Config{Main: mainQ, DLQ: dlq, Prober: hook, Logger: log, Metrics: metrics})
		if err != nil {
			return fmt.Errorf("build redriver: %w", err)
		}
		routerCfg.Redriver = rdr
	}

	if cfg.DatabaseURL != "" {
		pool, err := deliverylog.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect delivery log: %w", err)
		}
		defer pool.Close()

		attempts := deliverylog.New(pool, log)
		routerCfg.Deliveries = attempts
		routerCfg.Ready = attempts.Ping
	}

	// set up routers with the log
	router := httpapi.NewRouter(routerCfg)

	// server set up
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// start server using a concurrent go-routine driven anonymous function.
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		err := srv.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	log.Info("server shutting down")

	// Graceful shutdown
	shutdownCh := make(chan struct{})
	go func() {
		defer close(shutdownCh)

		sctx, cancel := config.WithTimeout(10 * time.Second)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	}()

	select {
	case <-shutdownCh:
	case <-time.After(12 * time.Second):
		log.Error("shutdown timed out")
	}
	return nil
}
