package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/queue"
	"github.com/geocoder89/greeter/internal/sender"
)

const (
	receiveBatch = 10
	receiveWait  = 20 * time.Second
)

// Source is the receiving side of the main queue.
type Source interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Handler processes one decoded message. *sender.Sender satisfies it.
type Handler interface {
	HandleMessage(ctx context.Context, m queue.Message) (sender.Outcome, error)
}

type ConsumerConfig struct {
	Queue   Source
	Handler Handler
	Clock   clockwork.Clock
	Logger  *slog.Logger

	// Backoff maps the count of consecutive receive failures to a wait.
	// Defaults to ExponentialBackoff.
	Backoff func(attempt int) time.Duration
}

func (cfg *ConsumerConfig) CheckAndSetDefaults() error {
	if cfg.Queue == nil {
		return errors.New("consumer: Queue is required")
	}
	if cfg.Handler == nil {
		return errors.New("consumer: Handler is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "consumer")
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff
	}
	return nil
}

// Consumer long-polls the main queue and feeds messages to the sender.
//
// Deletion is the acknowledgement: a message is deleted only after
// HandleMessage returns without error. A handler error leaves the message in
// flight so the visibility timeout redelivers it, and the queue's redrive
// policy moves it to the DLQ after enough receives. Bodies that don't decode
// are deleted immediately since they would fail the same way on every
// redelivery.
type Consumer struct {
	cfg ConsumerConfig
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Consumer{cfg: cfg}, nil
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		deliveries, err := c.cfg.Queue.Receive(ctx, receiveBatch, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := c.cfg.Backoff(failures)
			failures++
			c.cfg.Logger.Error("receive failed", "error", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
			case <-c.cfg.Clock.After(delay):
			}
			continue
		}
		failures = 0

		for _, d := range deliveries {
			c.process(ctx, d)
		}
	}
	c.cfg.Logger.Info("consumer stopped")
}

func (c *Consumer) process(ctx context.Context, d queue.Delivery) {
	m, err := queue.DecodeMessage(d.Body)
	if err != nil {
		c.cfg.Logger.Error("deleting undecodable message", "error", err, "receives", d.Receives)
		c.delete(ctx, d)
		return
	}

	log := c.cfg.Logger.With("user_id", m.ID, "event_type", m.EventType, "year", m.YearNow)

	outcome, err := c.cfg.Handler.HandleMessage(ctx, m)
	if err != nil {
		log.Warn("message left for redelivery", "outcome", string(outcome), "receives", d.Receives, "error", err)
		return
	}

	c.delete(ctx, d)
	log.Debug("message acknowledged", "outcome", string(outcome))
}

func (c *Consumer) delete(ctx context.Context, d queue.Delivery) {
	if err := c.cfg.Queue.Delete(ctx, d.ReceiptHandle); err != nil {
		c.cfg.Logger.Error("delete failed, message may redeliver", "error", err)
	}
}
