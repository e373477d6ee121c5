// Package scheduler walks the due-events index and enqueues one greeting
// message per due event. It never mutates event records: claiming and
// delivery belong to the sender, and duplicate enqueues collapse on the
// queue's deduplication ID.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/geocoder89/greeter/internal/cache"
	"github.com/geocoder89/greeter/internal/domain/event"
	"github.com/geocoder89/greeter/internal/domain/user"
	"github.com/geocoder89/greeter/internal/observability"
	"github.com/geocoder89/greeter/internal/queue"
)

const (
	defaultPageSize = 100
	userCacheTTL    = time.Minute
)

// Store is the slice of the event store a sweep reads from.
type Store interface {
	QueryDue(ctx context.Context, now time.Time, year int, cursor string, limit int32) ([]event.Event, string, error)
	GetUser(ctx context.Context, userID string) (user.User, error)
}

// Queue accepts greeting messages for the sender.
type Queue interface {
	Enqueue(ctx context.Context, m queue.Message) error
}

type Config struct {
	Store    Store
	Queue    Queue
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *observability.Prom
	PageSize int32
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return errors.New("scheduler: store is required")
	}
	if c.Queue == nil {
		return errors.New("scheduler: queue is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PageSize <= 0 || c.PageSize > defaultPageSize {
		c.PageSize = defaultPageSize
	}
	return nil
}

// Report is what one sweep did. Processed counts every due event seen;
// Skipped counts events dropped for a missing or unreadable user.
type Report struct {
	StartedAt       time.Time `json:"startedAt"`
	Year            int       `json:"year"`
	Pages           int       `json:"pages"`
	Processed       int       `json:"processed"`
	Enqueued        int       `json:"enqueued"`
	Skipped         int       `json:"skipped"`
	EnqueueFailures int       `json:"enqueueFailures"`
	DurationMS      int64     `json:"durationMs"`
}

type Scheduler struct {
	cfg    Config
	users  *cache.Cache
	tracer trace.Tracer
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		users:  cache.New(userCacheTTL, cfg.Clock),
		tracer: otel.Tracer("greeter/scheduler"),
	}, nil
}

// RunSweep performs one full pass over the due-events index. The reference
// instant and year are captured once at the start so a sweep that straddles
// midnight stays internally consistent. A page-read failure aborts the sweep
// and returns the partial report alongside the error; per-item failures are
// counted and skipped.
func (s *Scheduler) RunSweep(ctx context.Context) (Report, error) {
	now := s.cfg.Clock.Now().UTC()
	year := now.Year()

	ctx, span := s.tracer.Start(ctx, "scheduler.sweep",
		trace.WithAttributes(attribute.Int("sweep.year", year)))
	defer span.End()

	rep := Report{StartedAt: now, Year: year}
	log := s.cfg.Logger.With("sweep_year", year)

	cursor := ""
	for {
		events, next, err := s.cfg.Store.QueryDue(ctx, now, year, cursor, s.cfg.PageSize)
		if err != nil {
			span.RecordError(err)
			s.finish(&rep, now)
			return rep, fmt.Errorf("read due events page: %w", err)
		}
		rep.Pages++
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SweepPages.Inc()
		}

		for _, e := range events {
			rep.Processed++
			s.processEvent(ctx, log, &rep, e, year)
		}

		if next == "" {
			break
		}
		cursor = next
	}

	s.finish(&rep, now)
	span.SetAttributes(
		attribute.Int("sweep.processed", rep.Processed),
		attribute.Int("sweep.enqueued", rep.Enqueued),
	)
	log.Info("sweep finished",
		"pages", rep.Pages,
		"processed", rep.Processed,
		"enqueued", rep.Enqueued,
		"skipped", rep.Skipped,
		"enqueue_failures", rep.EnqueueFailures,
	)
	return rep, nil
}

func (s *Scheduler) processEvent(ctx context.Context, log *slog.Logger, rep *Report, e event.Event, year int) {
	u, ok, err := s.lookupUser(ctx, e.UserID)
	if err != nil {
		log.Error("user lookup failed, skipping event",
			"user_id", e.UserID, "event_type", e.Type, "error", err)
		rep.Skipped++
		s.count("failed")
		return
	}
	if !ok {
		log.Warn("event without a user profile, skipping",
			"user_id", e.UserID, "event_type", e.Type)
		rep.Skipped++
		s.count("skipped")
		return
	}

	m := queue.NewMessage(u, e, year)
	if err := s.cfg.Queue.Enqueue(ctx, m); err != nil {
		log.Error("enqueue failed",
			"user_id", e.UserID, "event_type", e.Type, "error", err)
		rep.EnqueueFailures++
		s.count("failed")
		return
	}

	rep.Enqueued++
	s.count("enqueued")
	log.Debug("event enqueued", "user_id", e.UserID, "event_type", e.Type, "dedup_id", m.DedupID())
}

type cachedUser struct {
	u  user.User
	ok bool
}

// lookupUser resolves a user through the sweep cache. Not-found results are
// cached too: a user's birthday and anniversary land in the same sweep.
func (s *Scheduler) lookupUser(ctx context.Context, id string) (user.User, bool, error) {
	if v, hit := s.users.Get(id); hit {
		cu := v.(cachedUser)
		return cu.u, cu.ok, nil
	}

	u, err := s.cfg.Store.GetUser(ctx, id)
	if errors.Is(err, user.ErrNotFound) {
		s.users.Set(id, cachedUser{})
		return user.User{}, false, nil
	}
	if err != nil {
		return user.User{}, false, err
	}

	s.users.Set(id, cachedUser{u: u, ok: true})
	return u, true, nil
}

func (s *Scheduler) count(outcome string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SweepEventsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) finish(rep *Report, started time.Time) {
	elapsed := s.cfg.Clock.Now().UTC().Sub(started)
	rep.DurationMS = elapsed.Milliseconds()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SweepDuration.Observe(elapsed.Seconds())
	}
}
