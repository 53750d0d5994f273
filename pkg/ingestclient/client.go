// Package ingestclient sends signed telemetry batches to POST /ingest.
package ingestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/signing"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/google/uuid"
)

const (
	DefaultMaxBodyBytes = 512 << 10
	DefaultMaxRetries   = 3
	DefaultBackoff      = 250 * time.Millisecond
	maxBackoff          = 10 * time.Second
)

// ErrPayloadTooLarge is returned before any network call.
var ErrPayloadTooLarge = errors.New("ingestclient: payload exceeds max body bytes")

// Result mirrors the 202 body.
type Result struct {
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	ServerTime time.Time `json:"server_time"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status     int           `json:"status"`
	Code       string        `json:"code"`
	Reason     string        `json:"reason"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ingest rejected: %d %s/%s: %s", e.Status, e.Code, e.Reason, e.Message)
}

// Retryable reports whether resending a freshly signed batch may succeed.
func (e *APIError) Retryable() bool { return e.Status >= 500 }

type Config struct {
	BaseURL      string
	OrgID        string
	DeviceID     string
	AgentVersion string
	Secret       string
	MaxBodyBytes int
	MaxRetries   int
	Backoff      time.Duration
	Timeout      time.Duration
}

type Client struct {
	cfg   Config
	http  *http.Client
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	switch {
	case cfg.BaseURL == "":
		return nil, errors.New("ingestclient: base url required")
	case cfg.OrgID == "" || cfg.DeviceID == "":
		return nil, errors.New("ingestclient: org and device ids required")
	case cfg.Secret == "":
		return nil, errors.New("ingestclient: signing secret required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Send signs and posts observations. Network failures and 5xx answers are
// retried with a fresh nonce and timestamp; 4xx answers are returned as
// *APIError without retrying.
func (c *Client) Send(ctx context.Context, obs []models.Observation) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt, lastErr)
			logger.Debugf("[IngestClient] Retry %d/%d in %s after: %v", attempt, c.cfg.MaxRetries, wait, lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("ingestclient: %w (last error: %v)", err, lastErr)
			}
		}
		res, err := c.attempt(ctx, obs)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrPayloadTooLarge) || ctx.Err() != nil {
			return nil, err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, err
		}
		lastErr = err
	}
	logger.Warnf("[IngestClient] Giving up after %d attempts: %v", c.cfg.MaxRetries+1, lastErr)
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, obs []models.Observation) (*Result, error) {
	sentAt := c.now().UTC().Truncate(time.Second)
	batch := models.Batch{
		OrgID:        c.cfg.OrgID,
		DeviceID:     c.cfg.DeviceID,
		AgentVersion: c.cfg.AgentVersion,
		SentAt:       sentAt,
		Nonce:        uuid.NewString(),
		Observations: obs,
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("ingestclient: encode batch: %w", err)
	}
	if len(body) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(body), c.cfg.MaxBodyBytes)
	}
	sig, err := signing.SignBody([]byte(c.cfg.Secret), body)
	if err != nil {
		return nil, fmt.Errorf("ingestclient: sign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range signing.SignedHeaders(batch.OrgID, batch.DeviceID, sentAt, batch.Nonce, sig) {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "insight-agent/"+c.cfg.AgentVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		var res Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("ingestclient: decode result: %w", err)
		}
		return &res, nil
	}

	var envelope struct {
		Error APIError `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
		apiErr = &envelope.Error
		apiErr.Status = resp.StatusCode
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			apiErr.RetryAfter = time.Duration(n) * time.Second
		}
	}
	return nil, apiErr
}

// backoff doubles per attempt, capped, and never undercuts Retry-After.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	d := c.cfg.Backoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > d {
		d = apiErr.RetryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
