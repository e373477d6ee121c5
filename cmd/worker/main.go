package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocoder89/greeter/internal/awsclient"
	"github.com/geocoder89/greeter/internal/config"
	"github.com/geocoder89/greeter/internal/deliverylog"
	"github.com/geocoder89/greeter/internal/locker"
	"github.com/geocoder89/greeter/internal/monitor"
	"github.com/geocoder89/greeter/internal/observability"
	"github.com/geocoder89/greeter/internal/queue"
	"github.com/geocoder89/greeter/internal/redrive"
	"github.com/geocoder89/greeter/internal/scheduler"
	"github.com/geocoder89/greeter/internal/sender"
	"github.com/geocoder89/greeter/internal/store"
	"github.com/geocoder89/greeter/internal/webhook"
	"github.com/geocoder89/greeter/internal/worker"
)

// shutdownGrace covers the consumer's 20s long poll plus loop teardown.
const shutdownGrace = 25 * time.Second

func main() {
	// Load the config set up
	_ = godotenv.Load()
	cfg := config.Load()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)

	if err := cfg.RequireWorker(); err != nil {
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
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
	log.Info("worker shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, "greeter-worker", cfg.Env, cfg.OTLPEndpoint, cfg.TraceSampleRatio)
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

	// Local stacks bootstrap their own table and queues. Production
	// infrastructure is provisioned out of band.
	if cfg.QueueAutocreate {
		if err := store.EnsureTable(ctx, dynamo, cfg.UsersTable); err != nil {
			return fmt.Errorf("ensure table: %w", err)
		}
		if err := queue.Ensure(ctx, sqsClient, cfg.QueueName, cfg.DLQName); err != nil {
			return fmt.Errorf("ensure queues: %w", err)
		}
	}

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
	hook, err := webhook.New(webhook.Config{URL: cfg.HookbinURL, Secret: cfg.WebhookSecret, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build webhook client: %w", err)
	}

	var readyChecks []func(context.Context) error

	var attempts *deliverylog.Log
	if cfg.DatabaseURL != "" {
		pool, err := deliverylog.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect delivery log: %w", err)
		}
		defer pool.Close()

		attempts = deliverylog.New(pool, log)
		if err := attempts.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure delivery log schema: %w", err)
		}
		readyChecks = append(readyChecks, attempts.Ping)
	}

	var locks worker.LockProvider
	if cfg.RedisAddr != "" {
		l := locker.New(locker.Config{Addr: cfg.RedisAddr})
		defer func() { _ = l.Close() }()
		locks = l
		readyChecks = append(readyChecks, l.Ping)
	}

	snd, err := sender.New(sender.Config{Store: st, Webhook: hook, Logger: log, Metrics: metrics, Attempts: attempts})
	if err != nil {
		return fmt.Errorf("build sender: %w", err)
	}
	consumer, err := worker.NewConsumer(worker.ConsumerConfig{Queue: mainQ, Handler: snd, Logger: log})
	if err != nil {
		return fmt.Errorf("build consumer: %w", err)
	}

	swp, err := scheduler.New(scheduler.Config{Store: st, Queue: mainQ, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	rdr, err := redrive.New(redrive.Config{Main: mainQ, DLQ: dlq, Prober: hook, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build redriver: %w", err)
	}
	mon, err := monitor.New(monitor.Config{Store: st, Logger: log, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}

	loops := make([]*worker.Loop, 0, 3)
	for _, spec := range []struct {
		name     string
		interval time.Duration
		run      worker.RunFunc
	}{
		{"sweep", cfg.SweepInterval, func(ctx context.Context) error {
			_, err := swp.RunSweep(ctx)
			return err
		}},
		{"redrive", cfg.RedriveInterval, func(ctx context.Context) error {
			_, err := rdr.RunOnce(ctx)
			return err
		}},
		{"monitor", cfg.MonitorInterval, func(ctx context.Context) error {
			_, err := mon.Check(ctx)
			return err
		}},
	} {
		loop, err := worker.NewLoop(worker.LoopConfig{
			Name:     spec.name,
			Interval: spec.interval,
			Run:      spec.run,
			Locks:    locks,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("build %s loop: %w", spec.name, err)
		}
		loops = append(loops, loop)
	}

	health := worker.NewHealth(reg, readyChecks...)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerHealthPort),
		Handler:           health.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(ctx)
	}()
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	health.SetReady(true)
	log.Info("worker started",
		"queue", cfg.QueueName,
		"dlq", cfg.DLQName,
		"table", cfg.UsersTable,
		"health_port", cfg.WorkerHealthPort,
		"env", cfg.Env,
	)

	<-ctx.Done()
	health.SetReady(false)
	log.Info("worker shutting down")

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		wg.Wait()
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace):
		log.Error("loops did not stop in time")
	}

	sctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("health server shutdown failed", "error", err)
	}
	return nil
}
