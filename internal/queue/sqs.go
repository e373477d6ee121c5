// Package queue is the gateway to the FIFO greeter queues. The scheduler
// enqueues due events here, the sender consumes them, and the redrive loop
// moves dead-lettered copies back. Ordering is per event type (the group
// key); duplicates inside the transport window collapse on the dedup key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/geocoder89/greeter/internal/observability"
)

// SQSClient is the slice of the SQS API the gateway uses.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Visibility is how long a received message stays hidden from other
// consumers. It exceeds the sender's claim timeout so a crashed worker's
// messages reappear only after its claims already read as stuck.
const Visibility = 5 * time.Minute

type Config struct {
	Client  SQSClient
	Name    string
	Logger  *slog.Logger
	Metrics *observability.Prom
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return errors.New("queue: client is required")
	}
	if c.Name == "" {
		return errors.New("queue: name is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Queue wraps one named FIFO queue.
type Queue struct {
	client  SQSClient
	name    string
	url     string
	log     *slog.Logger
	metrics *observability.Prom
}

// Open resolves the queue URL by name. The queue must already exist; see
// Ensure for local bootstrap.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}

	out, err := cfg.Client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(cfg.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve queue %s: %w", cfg.Name, err)
	}

	return &Queue{
		client:  cfg.Client,
		name:    cfg.Name,
		url:     aws.ToString(out.QueueUrl),
		log:     cfg.Logger.With("component", "queue", "queue", cfg.Name),
		metrics: cfg.Metrics,
	}, nil
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) observe(op string, err error) {
	if q.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	q.metrics.QueueOpsTotal.WithLabelValues(op, status).Inc()
}

// Enqueue sends one greeter message under its own group and dedup keys.
func (q *Queue) Enqueue(ctx context.Context, m Message) error {
	body, err := m.Encode()
	if err != nil {
		return err
	}
	return q.EnqueueRaw(ctx, body, m.GroupID(), m.DedupID())
}

// EnqueueRaw sends a prebuilt body. The redrive loop uses it to forward
// dead-lettered messages without reinterpreting them.
func (q *Queue) EnqueueRaw(ctx context.Context, body, group, dedup string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.url),
		MessageBody:            aws.String(body),
		MessageGroupId:         aws.String(group),
		MessageDeduplicationId: aws.String(dedup),
	})
	q.observe("send", err)
	if err != nil {
		return fmt.Errorf("enqueue to %s: %w", q.name, err)
	}
	return nil
}

// Delivery is one received message. GroupID and DedupID echo the transport
// keys the message was sent with; Body is the raw greeter JSON.
type Delivery struct {
	Body          string
	ReceiptHandle string
	GroupID       string
	DedupID       string
	Receives      int
}

// Receive long-polls for up to max messages (capped at the transport's 10).
// Received messages stay invisible to other consumers for Visibility; they
// must be deleted before that or they will be redelivered.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 || max > 10 {
		max = 10
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait.Seconds()),
		VisibilityTimeout:   int32(Visibility.Seconds()),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameMessageGroupId,
			types.MessageSystemAttributeNameMessageDeduplicationId,
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	q.observe("receive", err)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		receives, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		deliveries = append(deliveries, Delivery{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			GroupID:       m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)],
			DedupID:       m.Attributes[string(types.MessageSystemAttributeNameMessageDeduplicationId)],
			Receives:      receives,
		})
	}
	return deliveries, nil
}

// Delete removes a received message so it will not be redelivered.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	q.observe("delete", err)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.name, err)
	}
	return nil
}

// Depth returns the approximate number of visible messages.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	q.observe("depth", err)
	if err != nil {
		return 0, fmt.Errorf("queue depth %s: %w", q.name, err)
	}

	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	depth, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("queue depth %s: bad attribute %q", q.name, raw)
	}
	return depth, nil
}
