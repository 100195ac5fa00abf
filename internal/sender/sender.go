// Package sender delivers encrypted envelopes to the cloud receiver's HTTP
// API with bounded retries. Envelope bytes are marshaled exactly once per
// envelope, so every retry carries identical bytes and the receiver's
// (key_id, timestamp) idempotency check holds across attempts.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"replicator/internal/deadletter"
	"replicator/internal/envelope"
	"replicator/internal/platform/backoff"
	"replicator/internal/platform/metrics"
)

var (
	// ErrMaxAttempts means every configured delivery attempt failed with a
	// transient error; the envelope has been parked in the dead-letter
	// store.
	ErrMaxAttempts = errors.New("delivery attempts exhausted")

	// ErrRejected means the receiver answered with a non-retryable 4xx;
	// retrying identical bytes cannot succeed, so the envelope is parked
	// for operator inspection instead.
	ErrRejected = errors.New("envelope rejected by receiver")
)

// Doer is the transport seam; *http.Client satisfies it and tests inject
// fakes, keeping the retry logic transport-agnostic.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config carries the sender's collaborators and policy knobs.
type Config struct {
	BaseURL     string
	Token       string
	MaxAttempts int
	Backoff     backoff.Policy
	HTTPClient  Doer
	DeadLetter  deadletter.Store // nil disables parking (read-only clients)
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Client talks to the cloud receiver. It covers the full receiver surface:
// delivery (single and bulk), health, and the metadata/list reads used by
// disaster-recovery tooling.
type Client struct {
	http        Doer
	baseURL     string
	token       string
	maxAttempts int
	policy      backoff.Policy
	deadLetter  deadletter.Store
	log         *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(context.Context, time.Duration) error
}

// New validates the config and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("cloud API base URL is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", cfg.MaxAttempts)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	return &Client{
		http:        cfg.HTTPClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		maxAttempts: cfg.MaxAttempts,
		policy:      cfg.Backoff,
		deadLetter:  cfg.DeadLetter,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("replicator/sender"),
		sleep:       sleepContext,
	}, nil
}

// Deliver sends one envelope, retrying transient failures up to the attempt
// budget. On exhaustion or rejection the envelope lands in the dead-letter
// store exactly once and the returned error says which way it failed.
func (c *Client) Deliver(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "sender.Deliver", trace.WithAttributes(
		attribute.String("envelope.key_id", env.KeyID),
		attribute.String("envelope.table", env.Table),
	))
	defer span.End()

	err = c.post(ctx, "/envelopes", body, env.IdempotencyKey())
	if err == nil {
		c.metrics.EnvelopesDelivered.Inc()
		return nil
	}
	return c.park(ctx, err, env)
}

// DeliverBatch submits envelopes through the bulk endpoint with the same
// retry policy. On failure every envelope in the batch is parked.
func (c *Client) DeliverBatch(ctx context.Context, envs []*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	body, err := json.Marshal(envs)
	if err != nil {
		return fmt.Errorf("marshal envelope batch: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "sender.DeliverBatch", trace.WithAttributes(
		attribute.Int("batch.size", len(envs)),
	))
	defer span.End()

	err = c.post(ctx, "/envelopes/bulk", body, "")
	if err == nil {
		c.metrics.EnvelopesDelivered.Add(float64(len(envs)))
		return nil
	}
	var firstErr error
	for _, env := range envs {
		if parkErr := c.park(ctx, err, env); firstErr == nil {
			firstErr = parkErr
		}
	}
	return firstErr
}

// post runs the retry loop for one request body. A nil return means the
// receiver answered 201.
func (c *Client) post(ctx context.Context, path string, body []byte, idempotencyKey string) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.DeliveryRetries.Inc()
		}

		status, retryAfter, err := c.attempt(ctx, path, body, idempotencyKey)
		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusCreated:
			return nil
		case retryable(status):
			lastErr = fmt.Errorf("receiver answered %d", status)
		default:
			return fmt.Errorf("%w: status %d", ErrRejected, status)
		}

		if attempt == c.maxAttempts {
			break
		}
		delay := c.policy.Duration(attempt - 1)
		if retryAfter > delay {
			delay = retryAfter
		}
		c.log.WarnContext(ctx, "delivery attempt failed, backing off",
			"path", path,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"delay", delay,
			"error", lastErr,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("delivery interrupted: %w", err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttempts, c.maxAttempts, lastErr)
}

// attempt performs one HTTP exchange. Transport errors come back as err;
// HTTP responses come back as a status plus any Retry-After hint.
func (c *Client) attempt(ctx context.Context, path string, body []byte, idempotencyKey string) (status int, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("post %s: %w", path, err)
	}
	defer drain(resp)

	return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

// park routes a failed envelope to the dead-letter store. The store is keyed
// by idempotency key, so double-parking cannot duplicate an entry.
func (c *Client) park(ctx context.Context, cause error, env *envelope.Envelope) error {
	c.log.ErrorContext(ctx, "envelope delivery failed, dead-lettering",
		"idempotency_key", env.IdempotencyKey(),
		"table", env.Table,
		"error", cause,
	)
	if c.deadLetter == nil {
		return cause
	}
	// At forced shutdown the delivery context is already cancelled; the
	// write must still land, so it gets its own deadline.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.deadLetter.Write(writeCtx, env, cause.Error(), c.maxAttempts); err != nil {
		// Losing an encrypted change is the one unacceptable outcome.
		return fmt.Errorf("dead-letter write failed for %s: %w (delivery error: %v)",
			env.IdempotencyKey(), err, cause)
	}
	c.metrics.DeadLettered.Inc()
	return cause
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
