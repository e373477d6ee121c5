package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/actorctx"
	"github.com/geocoder89/greeter/internal/deliverylog"
	"github.com/geocoder89/greeter/internal/monitor"
	"github.com/geocoder89/greeter/internal/redrive"
	"github.com/geocoder89/greeter/internal/scheduler"
)

// Consumer-side slices of the loop components, so handler tests can fake
// them without touching AWS.

type HealthChecker interface {
	Check(ctx context.Context) (monitor.Report, error)
}

type Sweeper interface {
	RunSweep(ctx context.Context) (scheduler.Report, error)
}

type Redriver interface {
	RunOnce(ctx context.Context) (redrive.Report, error)
}

type QueueStats interface {
	Name() string
	Depth(ctx context.Context) (int, error)
}

type DeliveryReader interface {
	Enabled() bool
	Recent(ctx context.Context, limit int) ([]deliverylog.Attempt, error)
	StatsSince(ctx context.Context, since time.Time) (deliverylog.Stats, error)
}

const adminOpTimeout = 30 * time.Second

type AdminDeps struct {
	Monitor    HealthChecker
	Scheduler  Sweeper
	Redriver   Redriver
	MainQueue  QueueStats
	DLQ        QueueStats
	Deliveries DeliveryReader
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// AdminHandler exposes the periodic loops as on-demand operations plus a few
// read-only views. Every loop body is idempotent, so a manual trigger racing
// the worker's own schedule is harmless.
type AdminHandler struct {
	deps AdminDeps
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &AdminHandler{deps: deps}
}

// HealthReport runs one monitor check and returns its report.
func (h *AdminHandler) HealthReport(ctx *gin.Context) {
	cctx, cancel := context.WithTimeout(ctx.Request.Context(), adminOpTimeout)
	defer cancel()

	rep, err := h.deps.Monitor.Check(cctx)
	if err != nil {
		h.deps.Logger.Error("health report failed", "error", err)
		RespondInternal(ctx, "Health check failed")
		return
	}
	ctx.JSON(http.StatusOK, rep)
}

type queueDepth struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// Queues reports the approximate depth of the main queue and the DLQ.
func (h *AdminHandler) Queues(ctx *gin.Context) {
	cctx, cancel := context.WithTimeout(ctx.Request.Context(), adminOpTimeout)
	defer cancel()

	out := make([]queueDepth, 0, 2)
	for _, q := range []QueueStats{h.deps.MainQueue, h.deps.DLQ} {
		depth, err := q.Depth(cctx)
		if err != nil {
			h.deps.Logger.Error("queue depth failed", "queue", q.Name(), "error", err)
			RespondInternal(ctx, "Could not read queue depth")
			return
		}
		out = append(out, queueDepth{Name: q.Name(), Depth: depth})
	}
	ctx.JSON(http.StatusOK, gin.H{"queues": out})
}

// Redrive runs one DLQ drain pass and returns its report.
func (h *AdminHandler) Redrive(ctx *gin.Context) {
	if h.deps.Redriver == nil {
		RespondUnavailable(ctx, "Redrive needs the webhook receiver configured")
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), adminOpTimeout)
	defer cancel()

	jti, _ := actorctx.AdminJTIFrom(ctx.Request.Context())
	h.deps.Logger.Info("manual redrive triggered", "admin_jti", jti)

	rep, err := h.deps.Redriver.RunOnce(cctx)
	if err != nil {
		h.deps.Logger.Error("manual redrive failed", "error", err)
		RespondInternal(ctx, "Redrive failed")
		return
	}
	ctx.JSON(http.StatusOK, rep)
}

// Sweep runs one scheduler sweep and returns its report.
func (h *AdminHandler) Sweep(ctx *gin.Context) {
	cctx, cancel := context.WithTimeout(ctx.Request.Context(), adminOpTimeout)
	defer cancel()

	jti, _ := actorctx.AdminJTIFrom(ctx.Request.Context())
	h.deps.Logger.Info("manual sweep triggered", "admin_jti", jti)

	rep, err := h.deps.Scheduler.RunSweep(cctx)
	if err != nil {
		h.deps.Logger.Error("manual sweep failed", "error", err, "partial", rep)
		RespondInternal(ctx, "Sweep failed")
		return
	}
	ctx.JSON(http.StatusOK, rep)
}

// Deliveries lists recent webhook attempts from the delivery log, with
// aggregate stats over the last day.
func (h *AdminHandler) Deliveries(ctx *gin.Context) {
	if h.deps.Deliveries == nil || !h.deps.Deliveries.Enabled() {
		RespondNotFound(ctx, "Delivery log is not configured")
		return
	}

	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			RespondBadRequest(ctx, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), adminOpTimeout)
	defer cancel()

	attempts, err := h.deps.Deliveries.Recent(cctx, limit)
	if err != nil {
		h.deps.Logger.Error("delivery log read failed", "error", err)
		RespondInternal(ctx, "Could not read delivery log")
		return
	}
	if attempts == nil {
		attempts = []deliverylog.Attempt{}
	}

	stats, err := h.deps.Deliveries.StatsSince(cctx, h.deps.Clock.Now().Add(-24*time.Hour))
	if err != nil {
		h.deps.Logger.Error("delivery stats failed", "error", err)
		RespondInternal(ctx, "Could not read delivery log")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"attempts": attempts,
		"stats":    stats,
	})
}
