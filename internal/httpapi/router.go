// Package httpapi is the ops surface: health and metrics endpoints, admin
// login, and on-demand triggers for the periodic loops.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/geocoder89/greeter/internal/auth"
	"github.com/geocoder89/greeter/internal/httpapi/handlers"
	"github.com/geocoder89/greeter/internal/httpapi/middlewares"
	"github.com/geocoder89/greeter/internal/observability"
)

const (
	maxBodyBytes = 1 << 20

	loginLimit  = 5
	loginWindow = time.Minute
)

type Config struct {
	Env       string
	Logger    *slog.Logger
	Metrics   *observability.Prom
	Registry  *prometheus.Registry
	JWT       *auth.Manager
	AdminHash string
	Clock     clockwork.Clock

	Monitor    handlers.HealthChecker
	Scheduler  handlers.Sweeper
	Redriver   handlers.Redriver
	MainQueue  handlers.QueueStats
	DLQ        handlers.QueueStats
	Deliveries handlers.DeliveryReader

	// Ready gates /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(cfg Config) *gin.Engine {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("greeter-api"))
	r.Use(RequestID())
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(maxBodyBytes))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.GinHandleMiddleware())
	}

	health := handlers.NewHealthHandler(cfg.Ready)
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)

	if cfg.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	authHandler := handlers.NewAuthHandler(cfg.JWT, cfg.AdminHash)
	limiter := middlewares.NewRateLimiter(loginLimit, loginWindow, cfg.Clock)
	r.POST("/auth/login",
		middlewares.RequireJSON(),
		limiter.Middleware(middlewares.KeyByIP),
		authHandler.Login,
	)

	adminHandler := handlers.NewAdminHandler(handlers.AdminDeps{
		Monitor:    cfg.Monitor,
		Scheduler:  cfg.Scheduler,
		Redriver:   cfg.Redriver,
		MainQueue:  cfg.MainQueue,
		DLQ:        cfg.DLQ,
		Deliveries: cfg.Deliveries,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})

	admin := r.Group("/admin", middlewares.RequireAdmin(cfg.JWT))
	admin.GET("/health-report", adminHandler.HealthReport)
	admin.GET("/queues", adminHandler.Queues)
	admin.POST("/redrive", adminHandler.Redrive)
	admin.POST("/sweep", adminHandler.Sweep)
	admin.GET("/deliveries", adminHandler.Deliveries)

	return r
}
