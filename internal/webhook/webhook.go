// Package webhook delivers greetings to the configured receiver endpoint.
// Exactly one call per (event, year) reaches the receiver: the sender's
// claim bounds attempts, and the Idempotency-Key header lets the receiver
// collapse the rest.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/geocoder89/greeter/internal/observability"
	"github.com/geocoder89/greeter/internal/security"
)

// requestTimeout caps one delivery attempt. It must stay well under the
// sender's claim timeout or a slow receiver would make live claims read as
// stuck.
const requestTimeout = 10 * time.Second

const (
	idempotencyHeader = "Idempotency-Key"
	signatureHeader   = "X-Greeter-Signature"
)

// ErrUnhealthy reports a failed health probe.
var ErrUnhealthy = errors.New("webhook endpoint unhealthy")

// Greeting is one outbound notification.
type Greeting struct {
	Message        string
	IdempotencyKey string
}

type payload struct {
	Message string `json:"message"`
	Test    bool   `json:"test,omitempty"`
}

type Config struct {
	URL string
	// Secret enables HMAC signing of request bodies when non-empty.
	Secret  string
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *observability.Prom
}

func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return errors.New("webhook: url is required")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: requestTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Client posts greetings to a single receiver URL.
type Client struct {
	url     string
	secret  string
	http    *http.Client
	log     *slog.Logger
	metrics *observability.Prom
	tracer  trace.Tracer
}

func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Client{
		url:     cfg.URL,
		secret:  cfg.Secret,
		http:    cfg.Client,
		log:     cfg.Logger.With("component", "webhook"),
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("greeter/webhook"),
	}, nil
}

// Deliver posts one greeting. A nil error means the receiver answered; the
// returned status decides success (200) versus failure. Transport errors
// return status 0.
func (c *Client) Deliver(ctx context.Context, g Greeting) (int, error) {
	ctx, span := c.tracer.Start(ctx, "webhook.deliver",
		trace.WithAttributes(attribute.String("idempotency_key", g.IdempotencyKey)))
	defer span.End()

	status, err := c.post(ctx, payload{Message: g.Message}, g.IdempotencyKey)
	if err != nil {
		span.RecordError(err)
	}
	return status, err
}

// Probe checks receiver health with a sentinel body before the redrive loop
// re-floods it. Only a 200 counts as healthy.
func (c *Client) Probe(ctx context.Context) error {
	status, err := c.post(ctx, payload{Message: "greeter health probe", Test: true}, "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: probe returned %d", ErrUnhealthy, status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, p payload, idempotencyKey string) (int, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	if c.secret != "" {
		req.Header.Set(signatureHeader, security.SignPayload(c.secret, body))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.observe("transport_error", elapsed)
		return 0, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused; the receiver's body is not
	// part of the contract.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	c.observe(strconv.Itoa(resp.StatusCode), elapsed)
	return resp.StatusCode, nil
}

func (c *Client) observe(status string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.WebhookDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}
