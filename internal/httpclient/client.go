// Package httpclient provides the shared retry-aware HTTP client used by
// every component that talks to the network. It is constructed once at
// startup, passed by reference, and explicitly closed on shutdown.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// Config controls client behavior.
type Config struct {
	UserAgent      string
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestsPerSec float64
}

// Client wraps http.Client with default headers, a politeness limiter and
// transient-aware retries for idempotent requests.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Client with a pooled transport.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Get performs a retrying GET and returns the open response body. The
// caller owns resp.Body. Non-2xx responses are returned as StatusError.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	backoff := c.cfg.BackoffBase
	for attempt := 0; ; attempt++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.get(ctx, url)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt >= c.cfg.MaxRetries || !corpus.IsTransient(err) || ctx.Err() != nil {
			return nil, lastErr
		}
		c.logger.Warn("transient fetch error, backing off",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("sleep", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

// GetJSON performs a retrying GET and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// Do executes a prepared request once, with default headers applied but
// no retries. Used for non-idempotent calls whose retry policy lives at
// the dispatch layer.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.applyHeaders(req)
	if err := c.wait(req.Context()); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do %s: %w", req.URL, err)
	}
	return resp, nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	c.applyHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drainClose(resp.Body)
		return nil, &corpus.StatusError{Code: resp.StatusCode, URL: url}
	}
	return resp, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
