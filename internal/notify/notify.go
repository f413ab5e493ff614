// Package notify delivers round outcomes to the evaluation callback.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/seantiz/shipwright/internal/model"
)

// DefaultTimeout bounds a single callback attempt.
const DefaultTimeout = 30 * time.Second

// StatusError is returned when the callback answers with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("evaluation callback returned status %d", e.StatusCode)
}

// Config configures a Client.
type Config struct {
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after the first. Zero
	// means a single attempt.
	MaxRetries int
	// NewBackOff builds the retry schedule. Nil uses exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Client posts evaluation payloads. It is safe for concurrent use.
type Client struct {
	http       *resty.Client
	maxRetries int
	newBackOff func() backoff.BackOff
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	newBackOff := cfg.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Client{
		maxRetries: maxRetries,
		newBackOff: newBackOff,
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// Notify posts payload as JSON to url. Transport failures, 5xx and 429 are
// retried up to MaxRetries times; other statuses fail immediately.
func (c *Client) Notify(ctx context.Context, url string, payload model.EvaluationPayload) error {
	if c.maxRetries == 0 {
		return c.post(ctx, url, payload)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := c.post(ctx, url, payload)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (c *Client) post(ctx context.Context, url string, payload model.EvaluationPayload) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return fmt.Errorf("post evaluation: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &StatusError{StatusCode: resp.StatusCode()}
	}
	return nil
}

func retryable(err error) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return true
	}
	return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
}
