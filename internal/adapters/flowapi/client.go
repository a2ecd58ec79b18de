package flowapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mikey/mailflow-ingest/internal/core"
)

// Options holds the delivery sink settings and resiliency policy.
// Timeout bounds one whole delivery including retries and backoff;
// AttemptTimeout bounds a single HTTP attempt.
type Options struct {
	BaseURL           string
	APIKey            string
	AutomatedEndpoint string
	DefaultEndpoint   string
	MaxInFlight       int64
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Timeout           time.Duration
	AttemptTimeout    time.Duration
}

// Client implements core.DeliveryClient against the Flow HTTP API. The sink
// is rate-sensitive, so deliveries across the process share an in-flight
// ceiling, and the timeout/connection-reset error class is retried with
// jittered exponential backoff.
type Client struct {
	opts       Options
	classifier core.SenderClassifier
	httpClient *http.Client
	inflight   *semaphore.Weighted
	logger     *zap.Logger
	sleep      func(time.Duration)
	rnd        *rand.Rand
}

// NewClient creates a new Flow delivery client
func NewClient(opts Options, classifier core.SenderClassifier, logger *zap.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("flow base URL is empty")
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.AttemptTimeout <= 0 || opts.AttemptTimeout > opts.Timeout {
		opts.AttemptTimeout = opts.Timeout / time.Duration(opts.MaxAttempts)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Client{
		opts:       opts,
		classifier: classifier,
		httpClient: &http.Client{Timeout: opts.AttemptTimeout},
		inflight:   semaphore.NewWeighted(opts.MaxInFlight),
		logger:     logger,
		sleep:      time.Sleep,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Deliver posts the message to the endpoint selected by sender
// classification. It blocks until an in-flight slot is free, then attempts
// the request up to MaxAttempts times within the overall delivery deadline,
// retrying only timeout and connection-reset class failures.
func (c *Client) Deliver(ctx context.Context, msg *core.EmailMessage, attachmentURLs []string) (*core.DeliveryReceipt, error) {
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for delivery slot: %w", err)
	}
	defer c.inflight.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	strategy := c.strategyFor(msg)
	body, err := json.Marshal(strategy.build(msg, attachmentURLs))
	if err != nil {
		return nil, fmt.Errorf("encoding delivery payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("delivery deadline exceeded: %w", lastErr)
			}
			delay := c.backoff(attempt)
			c.logger.Debug("Retrying delivery",
				zap.String("message_id", msg.MessageID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			c.sleep(delay)
		}

		receipt, err := c.post(ctx, strategy.endpoint, body)
		if err == nil {
			return receipt, nil
		}
		lastErr = err

		if !core.IsRetryableDelivery(err) {
			return nil, err
		}
		c.logger.Warn("Delivery attempt failed",
			zap.String("message_id", msg.MessageID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("delivery failed after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*core.DeliveryReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to flow: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading flow response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("%w: status %d: %s", core.ErrDeliveryRejected, resp.StatusCode, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("flow returned status %d: %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		Success bool   `json:"success"`
		FlowID  string `json:"flowId"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding flow response: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("%w: %s", core.ErrDeliveryRejected, parsed.Message)
	}

	return &core.DeliveryReceipt{FlowID: parsed.FlowID}, nil
}

// backoff computes min(random * 2^attempt * baseDelay, maxDelay).
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(c.rnd.Float64() * math.Pow(2, float64(attempt)) * float64(c.opts.BaseDelay))
	if d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	return d
}
