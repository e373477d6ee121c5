// Package sender runs the claim -> deliver -> complete protocol for one
// queue message. It is the only writer that moves an event into sending, and
// every state-dependent write goes through the store's conditional update so
// concurrent consumers of the same logical event collapse to one delivery.
package sender

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

	"github.com/geocoder89/greeter/internal/deliverylog"
	"github.com/geocoder89/greeter/internal/domain/event"
	"github.com/geocoder89/greeter/internal/firetime"
	"github.com/geocoder89/greeter/internal/observability"
	"github.com/geocoder89/greeter/internal/queue"
	"github.com/geocoder89/greeter/internal/store"
	"github.com/geocoder89/greeter/internal/webhook"
)

// stuckTimeout is how long a sending claim is honored before a redelivered
// message treats its holder as dead. It matches the queue visibility timeout:
// a redelivery can only observe a sending record left by a worker whose
// visibility lease already expired.
const stuckTimeout = 5 * time.Minute

const stuckReason = "Stuck in sending state - likely webhook timeout or crash"

// Outcome says what a message became. OutcomeRetry is the only one that
// leaves the message on the queue: duplicates, missing records, fresh foreign
// claims, lost races and unusable schedule data are all final drops.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMissing   Outcome = "missing"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeLostRace  Outcome = "lost_race"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeRetry     Outcome = "retry"
)

// EventStore is the slice of the store the sender writes through.
type EventStore interface {
	GetEvent(ctx context.Context, userID string, t event.Type) (event.Event, error)
	ClaimForYear(ctx context.Context, p store.ClaimParams) error
	MarkCompleted(ctx context.Context, userID string, t event.Type, responseCode int) error
	MarkFailed(ctx context.Context, userID string, t event.Type, reason string) error
}

// Deliverer posts one greeting to the webhook receiver.
type Deliverer interface {
	Deliver(ctx context.Context, g webhook.Greeting) (int, error)
}

type Config struct {
	Store    EventStore
	Webhook  Deliverer
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *observability.Prom
	Attempts *deliverylog.Log
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return errors.New("sender: store is required")
	}
	if c.Webhook == nil {
		return errors.New("sender: webhook is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type Sender struct {
	cfg    Config
	tracer trace.Tracer
}

func New(cfg Config) (*Sender, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, tracer: otel.Tracer("greeter/sender")}, nil
}

// HandleMessage runs the full protocol for one received message. A nil error
// means the message is finished and must be deleted from the queue whatever
// the outcome; a non-nil error means leave it for redelivery.
//
// All freshness comparisons use a single now captured here.
func (s *Sender) HandleMessage(ctx context.Context, m queue.Message) (Outcome, error) {
	now := s.cfg.Clock.Now().UTC()
	log := s.cfg.Logger.With("user_id", m.ID, "event_type", m.EventType, "year", m.YearNow)

	ctx, span := s.tracer.Start(ctx, "sender.handle_message",
		trace.WithAttributes(
			attribute.String("greeter.user_id", m.ID),
			attribute.String("greeter.event_type", m.EventType),
			attribute.Int("greeter.year", m.YearNow),
		))
	defer span.End()

	outcome, err := s.handle(ctx, log, m, now)
	span.SetAttributes(attribute.String("greeter.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
	}
	s.observe(outcome)
	return outcome, err
}

func (s *Sender) handle(ctx context.Context, log *slog.Logger, m queue.Message, now time.Time) (Outcome, error) {
	typ, err := event.ParseType(m.EventType)
	if err != nil {
		log.Warn("message with unknown event type, dropping", "error", err)
		return OutcomeInvalid, nil
	}

	e, err := s.cfg.Store.GetEvent(ctx, m.ID, typ)
	if errors.Is(err, event.ErrNotFound) {
		log.Warn("event record gone, dropping message")
		return OutcomeMissing, nil
	}
	if err != nil {
		return OutcomeRetry, fmt.Errorf("load event before claim: %w", err)
	}

	if e.SentForYear(m.YearNow) {
		log.Info("already delivered this year, dropping duplicate")
		return OutcomeDuplicate, nil
	}

	if e.Status() == event.StatusSending && e.SendingAttemptedAt != nil {
		age := now.Sub(*e.SendingAttemptedAt)
		if age < stuckTimeout {
			log.Info("another worker holds this event, dropping", "claim_age", age)
			return OutcomeInFlight, nil
		}
		log.Warn("stale sending claim, marking failed before reclaim", "claim_age", age)
		if err := s.cfg.Store.MarkFailed(ctx, m.ID, typ, stuckReason); err != nil {
			return OutcomeRetry, fmt.Errorf("release stale claim: %w", err)
		}
	}

	// Phase 1: claim the year and advance the schedule in one conditional
	// write. The expected year is the value read above; anyone who moved it
	// since wins the race.
	nextNotify, err := firetime.ForYear(m.EventDate, m.Timezone, m.NotifyLocalTime, m.YearNow+1)
	if err != nil {
		log.Error("schedule data cannot produce a next fire instant, dropping", "error", err)
		if mfErr := s.cfg.Store.MarkFailed(ctx, m.ID, typ, "Invalid schedule data: "+err.Error()); mfErr != nil {
			log.Error("mark failed after invalid schedule", "error", mfErr)
		}
		return OutcomeInvalid, nil
	}

	err = s.cfg.Store.ClaimForYear(ctx, store.ClaimParams{
		UserID:       m.ID,
		Type:         typ,
		ExpectedYear: e.LastSentYear,
		Year:         m.YearNow,
		NextNotify:   nextNotify,
	})
	if errors.Is(err, store.ErrClaimLost) {
		log.Info("claim lost, another worker owns this delivery")
		return OutcomeLostRace, nil
	}
	if err != nil {
		return OutcomeRetry, fmt.Errorf("claim year %d: %w", m.YearNow, err)
	}

	// Phase 2: the one external side effect. Exactly 200 counts as delivered;
	// the idempotency key shields the receiver if a duplicate slips past the
	// claim (redrive after the transport dedup window, for instance).
	greeting := webhook.Greeting{
		Message:        fmt.Sprintf("Hey %s %s, it's your %s!", m.FirstName, m.LastName, m.EventType),
		IdempotencyKey: m.IdempotencyKey(),
	}

	started := s.cfg.Clock.Now()
	code, err := s.cfg.Webhook.Deliver(ctx, greeting)
	elapsed := s.cfg.Clock.Now().Sub(started)
	s.record(ctx, m, code, elapsed, err)

	if err != nil || code != 200 {
		reason := fmt.Sprintf("Webhook delivery failed with status %d", code)
		if err != nil {
			reason = fmt.Sprintf("Webhook delivery failed: %v", err)
		}
		log.Warn("webhook delivery failed", "status", code, "error", err)
		if mfErr := s.cfg.Store.MarkFailed(ctx, m.ID, typ, reason); mfErr != nil {
			log.Error("mark failed after webhook failure", "error", mfErr)
		}
		return OutcomeRetry, fmt.Errorf("deliver greeting: status %d: %w", code, errRetriable(err))
	}

	// Phase 3: terminal mark. A failure here is swallowed: the greeting went
	// out, and raising would trigger a redelivery that cannot send again
	// anyway. The health monitor promotes the leftover sending record.
	if err := s.cfg.Store.MarkCompleted(ctx, m.ID, typ, code); err != nil {
		log.Error("mark completed failed after successful delivery", "error", err)
	}

	log.Info("greeting delivered", "status", code, "next_notify", nextNotify)
	return OutcomeCompleted, nil
}

// errRetriable keeps %w chains intact when the webhook returned a status but
// no transport error.
func errRetriable(err error) error {
	if err != nil {
		return err
	}
	return errors.New("unexpected response status")
}

func (s *Sender) record(ctx context.Context, m queue.Message, code int, elapsed time.Duration, err error) {
	if s.cfg.Attempts == nil {
		return
	}
	a := deliverylog.Attempt{
		UserID:      m.ID,
		EventType:   m.EventType,
		Year:        m.YearNow,
		StatusCode:  code,
		Duration:    elapsed,
		AttemptedAt: s.cfg.Clock.Now().UTC(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	s.cfg.Attempts.Record(ctx, a)
}

func (s *Sender) observe(o Outcome) {
	if s.cfg.Metrics == nil {
		return
	}
	var result string
	switch o {
	case OutcomeCompleted:
		result = "completed"
	case OutcomeLostRace:
		result = "lost_race"
	case OutcomeRetry:
		result = "retriable"
	default:
		result = "dropped"
	}
	s.cfg.Metrics.SendResults.WithLabelValues(result).Inc()
}
