// Package monitor reports events the pipeline left behind: due events that
// never completed inside the last day, and sending claims nobody finished.
// It is the reconciliation path for every failure the sender swallows, and
// the only component besides the sender that writes event state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/domain/event"
	"github.com/geocoder89/greeter/internal/observability"
)

// stuckTimeout is deliberately longer than the sender's own 5 minute stale
// threshold so the monitor never races a sender that is already recovering
// the same record.
const stuckTimeout = 10 * time.Minute

const (
	missedWindow = 24 * time.Hour
	stuckReason  = "Stuck in sending state detected by health check"

	criticalAt = 5
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

const (
	ActionMarkedFailed = "marked_failed_for_retry"
	ActionMonitoring   = "monitoring"
)

// Store is the slice of the event store the monitor needs.
type Store interface {
	QueryByNotifyRange(ctx context.Context, from, to time.Time) ([]event.Event, error)
	QueryBySendingStatus(ctx context.Context, status event.SendingStatus) ([]event.Event, error)
	MarkFailed(ctx context.Context, userID string, t event.Type, reason string) error
}

type Config struct {
	Store   Store
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Prom
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return errors.New("monitor: store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// MissedEvent is a due event with no completed delivery for the current year.
type MissedEvent struct {
	UserID       string    `json:"user_id"`
	EventType    string    `json:"event_type"`
	NotifyUTC    time.Time `json:"notify_utc"`
	LastSentYear int       `json:"last_sent_year"`
	Status       string    `json:"sending_status"`
	HoursOverdue float64   `json:"hours_overdue"`
}

// StuckEvent is a sending claim past its attempt timestamp.
type StuckEvent struct {
	UserID       string    `json:"user_id"`
	EventType    string    `json:"event_type"`
	AttemptedAt  time.Time `json:"sending_attempted_at"`
	MinutesStuck float64   `json:"minutes_stuck"`
	Action       string    `json:"action"`
}

type Report struct {
	Status      string        `json:"status"`
	MissedCount int           `json:"missed_count"`
	StuckCount  int           `json:"stuck_count"`
	Missed      []MissedEvent `json:"missed"`
	Stuck       []StuckEvent  `json:"stuck"`
	Timestamp   time.Time     `json:"timestamp"`
}

type Monitor struct {
	cfg Config
}

func New(cfg Config) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Monitor{cfg: cfg}, nil
}

// Check runs both detections against a single captured now. Stuck claims
// older than the monitor timeout are promoted to failed so the next
// redelivery can reclaim them.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	now := m.cfg.Clock.Now().UTC()
	year := now.Year()

	rep := Report{
		Missed:    []MissedEvent{},
		Stuck:     []StuckEvent{},
		Timestamp: now,
	}

	inWindow, err := m.cfg.Store.QueryByNotifyRange(ctx, now.Add(-missedWindow), now)
	if err != nil {
		return rep, fmt.Errorf("query missed window: %w", err)
	}
	for _, e := range inWindow {
		if e.LastSentYear >= year || e.Status() == event.StatusCompleted {
			continue
		}
		rep.Missed = append(rep.Missed, MissedEvent{
			UserID:       e.UserID,
			EventType:    string(e.Type),
			NotifyUTC:    e.NotifyUTC,
			LastSentYear: e.LastSentYear,
			Status:       string(e.Status()),
			HoursOverdue: round1(now.Sub(e.NotifyUTC).Hours()),
		})
	}

	sending, err := m.cfg.Store.QueryBySendingStatus(ctx, event.StatusSending)
	if err != nil {
		return rep, fmt.Errorf("query sending claims: %w", err)
	}
	for _, e := range sending {
		if e.SendingAttemptedAt == nil {
			continue
		}
		age := now.Sub(*e.SendingAttemptedAt)
		se := StuckEvent{
			UserID:       e.UserID,
			EventType:    string(e.Type),
			AttemptedAt:  *e.SendingAttemptedAt,
			MinutesStuck: round1(age.Minutes()),
			Action:       ActionMonitoring,
		}
		if age > stuckTimeout {
			if err := m.cfg.Store.MarkFailed(ctx, e.UserID, e.Type, stuckReason); err != nil {
				m.cfg.Logger.Error("promote stuck event failed",
					"user_id", e.UserID, "event_type", e.Type, "error", err)
			} else {
				se.Action = ActionMarkedFailed
				m.cfg.Logger.Warn("stuck event promoted to failed",
					"user_id", e.UserID, "event_type", e.Type, "minutes_stuck", se.MinutesStuck)
			}
		}
		rep.Stuck = append(rep.Stuck, se)
	}

	rep.MissedCount = len(rep.Missed)
	rep.StuckCount = len(rep.Stuck)
	rep.Status = classify(rep.MissedCount + rep.StuckCount)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.MissedEvents.Set(float64(rep.MissedCount))
		m.cfg.Metrics.StuckEvents.Set(float64(rep.StuckCount))
	}

	level := slog.LevelInfo
	if rep.Status != StatusHealthy {
		level = slog.LevelWarn
	}
	m.cfg.Logger.Log(ctx, level, "health check done",
		"status", rep.Status, "missed", rep.MissedCount, "stuck", rep.StuckCount)

	return rep, nil
}

func classify(issues int) string {
	switch {
	case issues == 0:
		return StatusHealthy
	case issues < criticalAt:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
