// Package redrive drains the dead-letter queue back onto the main queue once
// the webhook receiver looks healthy again. Messages move one at a time and
// are deleted from the DLQ only after the main-queue enqueue succeeded, so a
// partial run never loses a message.
package redrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/observability"
	"github.com/geocoder89/greeter/internal/queue"
)

const (
	batchSize = 10
	longPoll  = 5 * time.Second

	// fallbackGroup keys redriven messages whose body no longer decodes.
	// They still need a group to enter a FIFO queue.
	fallbackGroup = "redrive"
)

// Main is the queue redriven messages return to.
type Main interface {
	EnqueueRaw(ctx context.Context, body, group, dedup string) error
}

// DeadLetter is the queue being drained.
type DeadLetter interface {
	Depth(ctx context.Context) (int, error)
	Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Prober answers whether the webhook receiver is worth retrying against.
type Prober interface {
	Probe(ctx context.Context) error
}

type Config struct {
	Main    Main
	DLQ     DeadLetter
	Prober  Prober
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Prom
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Main == nil {
		return errors.New("redrive: main queue is required")
	}
	if c.DLQ == nil {
		return errors.New("redrive: dead-letter queue is required")
	}
	if c.Prober == nil {
		return errors.New("redrive: prober is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Report is what one run saw and moved.
type Report struct {
	CheckedAt      time.Time `json:"checkedAt"`
	Depth          int       `json:"depth"`
	WebhookHealthy bool      `json:"webhookHealthy"`
	Received       int       `json:"received"`
	Redriven       int       `json:"redriven"`
	Failures       int       `json:"failures"`
}

type Redriver struct {
	cfg Config
}

func New(cfg Config) (*Redriver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Redriver{cfg: cfg}, nil
}

// RunOnce performs one drain pass. An unhealthy webhook is a normal outcome,
// not an error: redriving into a receiver that is still down would only churn
// the messages back to the DLQ.
func (r *Redriver) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{CheckedAt: r.cfg.Clock.Now().UTC()}
	log := r.cfg.Logger

	depth, err := r.cfg.DLQ.Depth(ctx)
	if err != nil {
		return rep, fmt.Errorf("dlq depth: %w", err)
	}
	rep.Depth = depth
	if depth == 0 {
		return rep, nil
	}

	if err := r.cfg.Prober.Probe(ctx); err != nil {
		log.Warn("webhook unhealthy, leaving dlq alone", "depth", depth, "error", err)
		return rep, nil
	}
	rep.WebhookHealthy = true

	deliveries, err := r.cfg.DLQ.Receive(ctx, batchSize, longPoll)
	if err != nil {
		return rep, fmt.Errorf("receive from dlq: %w", err)
	}
	rep.Received = len(deliveries)

	for _, d := range deliveries {
		if err := r.redriveOne(ctx, d); err != nil {
			log.Error("message left in dlq", "dedup_id", d.DedupID, "error", err)
			rep.Failures++
			r.observe("failed")
			continue
		}
		rep.Redriven++
		r.observe("redriven")
	}

	log.Info("dlq drain pass done",
		"depth", rep.Depth, "received", rep.Received,
		"redriven", rep.Redriven, "failures", rep.Failures)
	return rep, nil
}

func (r *Redriver) redriveOne(ctx context.Context, d queue.Delivery) error {
	group, dedup := r.keysFor(d)

	if err := r.cfg.Main.EnqueueRaw(ctx, d.Body, group, dedup); err != nil {
		return fmt.Errorf("enqueue to main: %w", err)
	}
	if err := r.cfg.DLQ.Delete(ctx, d.ReceiptHandle); err != nil {
		// The copy is on the main queue already; the leftover DLQ copy will
		// collapse on its dedup key next pass.
		return fmt.Errorf("delete from dlq: %w", err)
	}
	return nil
}

// keysFor preserves the original group and dedup keys where the transport
// still carries them, and synthesizes replacements where it does not. A fresh
// dedup key is deliberate for aged messages: the prior key may sit inside the
// transport's dedup window from the failed attempt that parked the message.
func (r *Redriver) keysFor(d queue.Delivery) (group, dedup string) {
	group = d.GroupID
	if group == "" {
		if m, err := queue.DecodeMessage(d.Body); err == nil {
			group = m.GroupID()
		} else {
			group = fallbackGroup
		}
	}

	dedup = d.DedupID
	if dedup == "" {
		dedup = fmt.Sprintf("redrive-%d-%s", r.cfg.Clock.Now().UnixNano(), uuid.NewString())
	}
	return group, dedup
}

func (r *Redriver) observe(outcome string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RedriveMessagesTotal.WithLabelValues(outcome).Inc()
	}
}
