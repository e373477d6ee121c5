// Package worker runs the greeter worker process: the queue consumer that
// delivers greetings plus the periodic sweep, redrive and monitor loops.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// RunFunc is one pass of a periodic loop.
type RunFunc func(ctx context.Context) error

// LockProvider hands out named run locks. *locker.Locker satisfies it.
type LockProvider interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

type LoopConfig struct {
	// Name labels log lines and keys the run lock.
	Name     string
	Interval time.Duration
	Run      RunFunc

	// Locks is optional. When set, a pass first takes the run lock and is
	// skipped while another worker holds it. A lock error does not block
	// the pass: all loop bodies tolerate concurrent runs.
	Locks LockProvider

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (cfg *LoopConfig) CheckAndSetDefaults() error {
	if cfg.Name == "" {
		return errors.New("loop: Name is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("loop: Interval must be positive")
	}
	if cfg.Run == nil {
		return errors.New("loop: Run is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("loop", cfg.Name)
	return nil
}

// Loop drives one periodic task on a fixed interval until its context ends.
type Loop struct {
	cfg LoopConfig
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Loop{cfg: cfg}, nil
}

// Run blocks until ctx is done. The first pass fires after one full
// interval, not at startup; operators who can't wait trigger the pass
// through the admin API instead.
func (l *Loop) Run(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.cfg.Logger.Info("loop stopped")
			return
		case <-ticker.Chan():
			l.runOnce(ctx)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	if l.cfg.Locks != nil {
		release, ok, err := l.cfg.Locks.Acquire(ctx, l.cfg.Name, l.cfg.Interval)
		switch {
		case err != nil:
			l.cfg.Logger.Warn("run lock unavailable, proceeding unlocked", "error", err)
		case !ok:
			l.cfg.Logger.Debug("run lock held elsewhere, skipping pass")
			return
		default:
			defer release(ctx)
		}
	}

	start := l.cfg.Clock.Now()
	if err := l.cfg.Run(ctx); err != nil {
		l.cfg.Logger.Error("pass failed", "error", err, "duration_ms", l.cfg.Clock.Since(start).Milliseconds())
		return
	}
	l.cfg.Logger.Debug("pass finished", "duration_ms", l.cfg.Clock.Since(start).Milliseconds())
}
