// Package clients provides the resilient HTTP client used to talk to the CRM:
// HTTP/2 transport, token bucket rate limiting, a circuit breaker and
// exponential backoff for retryable responses.
package clients

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
)

// ErrCircuitOpen is returned without calling the remote while the breaker is open
var ErrCircuitOpen = errors.New(errors.ErrorTypeConnection, "circuit breaker open")

// HTTPClient wraps net/http with rate limiting, a circuit breaker and retries
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	circuitBreaker *CircuitBreaker
	rateLimiter    *HostRateLimiter
	retry          *RetryPolicy
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	EnableHTTP2 bool `json:"enable_http2"`

	// Timeouts
	DialTimeout           time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	RequestTimeout        time.Duration `json:"request_timeout"`
	KeepAlive             time.Duration `json:"keep_alive"`

	// Rate limiting (0 disables)
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	// Circuit breaker
	CircuitBreakerEnabled bool                 `json:"circuit_breaker_enabled"`
	CircuitBreaker        CircuitBreakerConfig `json:"circuit_breaker"`

	// Retry
	RetryAttempts   int           `json:"retry_attempts"`
	RetryDelay      time.Duration `json:"retry_delay"`
	RetryMultiplier float64       `json:"retry_multiplier"`
	MaxRetryDelay   time.Duration `json:"max_retry_delay"`

	UserAgent string `json:"user_agent"`
}

// DefaultHTTPConfig returns default client configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		RequestTimeout:        30 * time.Second,
		KeepAlive:             30 * time.Second,
		RateLimit:             10,
		RateBurst:             20,
		CircuitBreakerEnabled: true,
		CircuitBreaker:        DefaultCircuitBreakerConfig(),
		RetryAttempts:         3,
		RetryDelay:            time.Second,
		RetryMultiplier:       2.0,
		MaxRetryDelay:         30 * time.Second,
		UserAgent:             "crmsync/1.0",
	}
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		Timeout:   config.RequestTimeout,
	}

	if config.RateLimit > 0 {
		client.rateLimiter = NewHostRateLimiter(config.RateLimit, config.RateBurst)
	}

	if config.CircuitBreakerEnabled {
		client.circuitBreaker = NewCircuitBreaker(config.CircuitBreaker, logger)
	}

	client.retry = NewRetryPolicy(config.RetryAttempts, config.RetryDelay)
	if config.RetryMultiplier > 0 {
		client.retry.Multiplier = config.RetryMultiplier
	}
	if config.MaxRetryDelay > 0 {
		client.retry.MaxDelay = config.MaxRetryDelay
	}

	return client
}

// StdClient exposes the underlying client for libraries that take an
// *http.Client, such as the OAuth2 token exchange.
func (c *HTTPClient) StdClient() *http.Client {
	return c.httpClient
}

// Get performs an HTTP GET request
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build request")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.Do(req)
}

// Do sends req, retrying connection failures, 429 and 5xx responses with
// backoff. Other non-2xx responses are returned to the caller unread.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	var resp *http.Response
	err := c.retry.ExecuteWithCondition(req.Context(), func() error {
		attempt := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "rewind request body")
			}
			attempt.Body = body
		}

		r, err := c.doOnce(attempt)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(err error) bool {
		return errors.IsRetryable(err) && !errors.Is(err, ErrCircuitOpen)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) doOnce(req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(req.Context(), req.URL.Host); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "waiting for rate limiter")
		}
	}

	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return nil, ErrCircuitOpen
	}

	timer := metrics.NewTimer()
	resp, err := c.httpClient.Do(req)
	metrics.RemoteLatency.WithLabelValues(req.Method).Observe(timer.Stop().Seconds())

	if err != nil {
		metrics.RemoteRequests.WithLabelValues(req.Method, "error").Inc()
		c.recordFailure()
		if req.Context().Err() != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request cancelled")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	metrics.RemoteRequests.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if c.rateLimiter != nil {
		if info := resp.Header.Get(LimitInfoHeader); info != "" {
			c.rateLimiter.ObserveLimitInfo(req.URL.Host, info)
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp)
		c.recordSuccess()
		return nil, errors.New(errors.ErrorTypeRateLimit, "remote rate limit exceeded").
			WithDetail("url", req.URL.Path)
	case resp.StatusCode >= http.StatusInternalServerError:
		drain(resp)
		c.recordFailure()
		return nil, errors.Newf(errors.ErrorTypeConnection, "remote returned %d", resp.StatusCode).
			WithDetail("url", req.URL.Path)
	}

	c.recordSuccess()
	return resp, nil
}

func (c *HTTPClient) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *HTTPClient) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// RateLimitStats returns the limiter state per remote host, or nil when
// rate limiting is off
func (c *HTTPClient) RateLimitStats() map[string]RateLimiterStats {
	if c.rateLimiter == nil {
		return nil
	}
	return c.rateLimiter.Stats()
}

// Close logs the final per-host usage and releases idle connections
func (c *HTTPClient) Close() error {
	for host, st := range c.RateLimitStats() {
		c.logger.Info("remote usage",
			zap.String("host", host),
			zap.Int64("requests", st.AllowedRequests),
			zap.Duration("avg_wait", st.AverageWaitTime),
			zap.Int64("api_used", st.APIUsed),
			zap.Int64("api_limit", st.APILimit))
	}
	c.transport.CloseIdleConnections()
	return nil
}
