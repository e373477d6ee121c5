// Package deliverylog keeps an optional Postgres history of webhook
// delivery attempts for the ops API. It is strictly best-effort: a nil *Log
// is valid and every write failure is logged and swallowed, so the delivery
// outcome never depends on it.
package deliverylog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS delivery_attempts (
	id           BIGSERIAL PRIMARY KEY,
	user_id      TEXT        NOT NULL,
	event_type   TEXT        NOT NULL,
	year         INT         NOT NULL,
	status_code  INT         NOT NULL,
	duration_ms  BIGINT      NOT NULL,
	error        TEXT        NOT NULL DEFAULT '',
	attempted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS delivery_attempts_attempted_at_idx
	ON delivery_attempts (attempted_at DESC);
`

// Attempt is one webhook call, successful or not. StatusCode 0 means the
// receiver was never reached.
type Attempt struct {
	UserID      string        `json:"userId"`
	EventType   string        `json:"eventType"`
	Year        int           `json:"year"`
	StatusCode  int           `json:"statusCode"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"durationMs"`
	Error       string        `json:"error,omitempty"`
	AttemptedAt time.Time     `json:"attemptedAt"`
}

// Stats aggregates attempts since a point in time.
type Stats struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type Log struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPool connects a small pgx pool for the log.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 5

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{pool: pool, log: logger.With("component", "deliverylog")}
}

// EnsureSchema creates the attempts table when missing.
func (l *Log) EnsureSchema(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure delivery log schema: %w", err)
	}
	return nil
}

// Record inserts one attempt. Failures are logged, never returned.
func (l *Log) Record(ctx context.Context, a Attempt) {
	if l == nil {
		return
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (user_id, event_type, year, status_code, duration_ms, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.UserID, a.EventType, a.Year, a.StatusCode, a.Duration.Milliseconds(), a.Error, a.AttemptedAt.UTC())
	if err != nil {
		l.log.Warn("delivery attempt not recorded", "user_id", a.UserID, "event_type", a.EventType, "error", err)
	}
}

// Recent returns the newest attempts, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := l.pool.Query(ctx, `
		SELECT user_id, event_type, year, status_code, duration_ms, error, attempted_at
		FROM delivery_attempts
		ORDER BY attempted_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.UserID, &a.EventType, &a.Year, &a.StatusCode, &a.DurationMS, &a.Error, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Duration = time.Duration(a.DurationMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// StatsSince aggregates delivery outcomes after the given instant.
func (l *Log) StatsSince(ctx context.Context, since time.Time) (Stats, error) {
	if l == nil {
		return Stats{}, nil
	}

	var s Stats
	err := l.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status_code = 200),
		       count(*) FILTER (WHERE status_code <> 200)
		FROM delivery_attempts
		WHERE attempted_at >= $1
	`, since.UTC()).Scan(&s.Total, &s.Delivered, &s.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("query attempt stats: %w", err)
	}
	return s, nil
}

// Enabled reports whether a backing pool is configured.
func (l *Log) Enabled() bool { return l != nil }

// Ping checks pool connectivity; readiness probes use it.
func (l *Log) Ping(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.pool.Ping(ctx)
}

// Close releases the pool.
func (l *Log) Close() {
	if l != nil {
		l.pool.Close()
	}
}
