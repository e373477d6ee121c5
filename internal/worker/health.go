package worker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the worker's ops surface: liveness, readiness and metrics.
// Readiness starts false, flips true once startup wiring finishes, and back
// to false when shutdown begins so the orchestrator drains the pod before
// the loops stop.
type Health struct {
	mu     sync.RWMutex
	ready  bool
	checks []func(ctx context.Context) error
	reg    *prometheus.Registry
}

// NewHealth builds the ops surface. reg may be nil to skip /metrics; checks
// run on every /readyz call and any failure reports not ready.
func NewHealth(reg *prometheus.Registry, checks ...func(context.Context) error) *Health {
	return &Health{reg: reg, checks: checks}
}

func (h *Health) SetReady(ready bool) {
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

// Handler returns the engine serving /healthz, /readyz and /metrics.
func (h *Health) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.GET("/readyz", func(ctx *gin.Context) {
		h.mu.RLock()
		ready := h.ready
		h.mu.RUnlock()
		if !ready {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}

		cctx, cancel := context.WithTimeout(ctx.Request.Context(), time.Second)
		defer cancel()
		for _, check := range h.checks {
			if err := check(cctx); err != nil {
				ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if h.reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{})))
	}

	return r
}
