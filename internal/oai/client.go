// Package oai implements the OAI-PMH harvesting client: a polite, retrying
// HTTP transport and a pull-based ListRecords walker that follows
// resumption tokens.
package oai

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"
)

// Defaults for Config zero values.
const (
	DefaultTimeout           = 2 * time.Minute
	DefaultMaxRetries        = 5
	DefaultInitialBackoff    = 2 * time.Second
	DefaultMaxBackoff        = 2 * time.Minute
	DefaultRequestsPerSecond = 1.0
	DefaultUserAgent         = "igsnharvest/1.0"
	DefaultMetadataPrefix    = "igsn"

	maxResponseBytes = 1 << 30
)

// Observer receives per-request telemetry.
type Observer interface {
	ObserveRequest(verb, outcome string, d time.Duration)
	ObserveRetry(verb string)
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	// RequestsPerSecond limits the request rate. Negative disables limiting.
	RequestsPerSecond float64
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration

	// Basic auth for providers that require it.
	Username string
	Password string

	HTTPClient *http.Client
	Observer   Observer
}

// Client talks to one OAI-PMH endpoint.
type Client struct {
	baseURL   string
	userAgent string
	username  string
	password  string

	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	initial    time.Duration
	maxBackoff time.Duration
	observer   Observer
	logger     *slog.Logger
}

// NewClient creates a client for cfg.BaseURL. A nil logger uses slog.Default().
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    strings.TrimSpace(cfg.BaseURL),
		userAgent:  cfg.UserAgent,
		username:   cfg.Username,
		password:   cfg.Password,
		http:       httpClient,
		limiter:    limiter,
		maxRetries: max(cfg.MaxRetries, 0),
		initial:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		observer:   cfg.Observer,
		logger:     logger.With("base_url", strings.TrimSpace(cfg.BaseURL)),
	}
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPError is a non-200 provider response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// call performs one logical request with retries and decodes the envelope.
func (c *Client) call(ctx context.Context, params url.Values, out *envelope) error {
	verb := params.Get("verb")

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initial
	exp.MaxInterval = c.maxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		body, err := c.fetch(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if fault.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := decode(body, out); err != nil {
			return backoff.Permanent(fault.Protocol("decode "+verb, err))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("oai request failed, retrying", "verb", verb, "attempt", attempt, "wait", wait, "error", err)
		if c.observer != nil {
			c.observer.ObserveRetry(verb)
		}
	}
	return backoff.RetryNotify(op, policy, notify)
}

// fetch issues a single GET and returns the body of a 200 response.
func (c *Client) fetch(ctx context.Context, params url.Values) ([]byte, error) {
	verb := params.Get("verb")
	link := c.baseURL + "?" + params.Encode()
	start := time.Now()
	outcome := "ok"
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(verb, outcome, time.Since(start))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		outcome = "error"
		return nil, fault.Protocol("build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	c.logger.Debug("oai request", "verb", verb, "url", link)
	resp, err := c.http.Do(req)
	if err != nil {
		outcome = "transport_error"
		return nil, fault.Transport("fetch "+verb, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		herr := &HTTPError{URL: link, StatusCode: resp.StatusCode}
		if retryableStatus(resp.StatusCode) {
			outcome = "retryable_status"
			return nil, fault.Transport("fetch "+verb, herr)
		}
		outcome = "status"
		return nil, fault.Protocol("fetch "+verb, herr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		outcome = "transport_error"
		return nil, fault.Transport("read "+verb, err)
	}
	c.logger.Debug("oai response", "verb", verb, "size_bytes", len(body), "duration_ms", time.Since(start).Milliseconds())
	return body, nil
}

func decode(body []byte, out *envelope) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed oai-pmh response: %w", err)
	}
	return nil
}

// providerError converts a provider error element into a protocol fault.
func providerError(verb string, e *Error) error {
	return fault.Protocol(verb, e)
}
