package clients

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/crmsync/pkg/metrics"
)

// LimitInfoHeader carries the org's API usage on every REST response,
// e.g. "api-usage=25/15000".
const LimitInfoHeader = "Sforce-Limit-Info"

// RateLimiterStats describes one host's bucket
type RateLimiterStats struct {
	Host            string        `json:"host"`
	Rate            float64       `json:"rate"`
	Burst           int           `json:"burst"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	CurrentTokens   float64       `json:"current_tokens"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
	APIUsed         int64         `json:"api_used"`
	APILimit        int64         `json:"api_limit"`
}

// HostRateLimiter keeps a token bucket per remote host. The login host and
// each org instance host are throttled separately, and the last reported
// API usage of each host is kept next to its bucket.
type HostRateLimiter struct {
	rate  float64
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time

	allowed   int64
	blocked   int64
	totalWait time.Duration

	apiUsed  int64
	apiLimit int64
}

// NewHostRateLimiter creates a limiter granting rate requests per second
// to each host with bursts of up to burst requests
func NewHostRateLimiter(rate float64, burst int) *HostRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &HostRateLimiter{
		rate:    rate,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// bucket returns host's bucket, refilled up to now. Callers hold l.mu.
func (l *HostRateLimiter) bucket(host string) *tokenBucket {
	now := l.now()
	b, ok := l.buckets[host]
	if !ok {
		b = &tokenBucket{tokens: float64(l.burst), lastTime: now}
		l.buckets[host] = b
		return b
	}
	b.tokens += now.Sub(b.lastTime).Seconds() * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastTime = now
	return b
}

// Allow takes a token for host if one is available
func (l *HostRateLimiter) Allow(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucket(host)
	if b.tokens >= 1.0 {
		b.tokens--
		b.allowed++
		return true
	}
	b.blocked++
	return false
}

// Wait blocks until host has a token or ctx is done. Time spent waiting is
// reported per host.
func (l *HostRateLimiter) Wait(ctx context.Context, host string) error {
	start := l.now()

	for {
		l.mu.Lock()
		b := l.bucket(host)
		if b.tokens >= 1.0 {
			b.tokens--
			b.allowed++
			waited := l.now().Sub(start)
			b.totalWait += waited
			l.mu.Unlock()
			metrics.RemoteRateLimitWait.WithLabelValues(host).Observe(waited.Seconds())
			return nil
		}
		deficit := 1.0 - b.tokens
		l.mu.Unlock()

		timer := time.NewTimer(time.Duration(deficit / l.rate * float64(time.Second)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			l.mu.Lock()
			l.bucket(host).blocked++
			l.mu.Unlock()
			return ctx.Err()
		}
	}
}

// ObserveLimitInfo records the API usage reported in a LimitInfoHeader
// value. Values without an api-usage entry are ignored.
func (l *HostRateLimiter) ObserveLimitInfo(host, header string) {
	used, limit, ok := parseAPIUsage(header)
	if !ok {
		return
	}
	l.mu.Lock()
	b := l.bucket(host)
	b.apiUsed, b.apiLimit = used, limit
	l.mu.Unlock()

	metrics.RemoteAPIUsage.WithLabelValues(host, "used").Set(float64(used))
	metrics.RemoteAPIUsage.WithLabelValues(host, "limit").Set(float64(limit))
}

// Stats returns a snapshot of every host seen so far
func (l *HostRateLimiter) Stats() map[string]RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]RateLimiterStats, len(l.buckets))
	for host := range l.buckets {
		b := l.bucket(host)
		var avg time.Duration
		if b.allowed > 0 {
			avg = b.totalWait / time.Duration(b.allowed)
		}
		out[host] = RateLimiterStats{
			Host:            host,
			Rate:            l.rate,
			Burst:           l.burst,
			AllowedRequests: b.allowed,
			BlockedRequests: b.blocked,
			CurrentTokens:   b.tokens,
			AverageWaitTime: avg,
			APIUsed:         b.apiUsed,
			APILimit:        b.apiLimit,
		}
	}
	return out
}

// parseAPIUsage reads "api-usage=used/limit" out of a comma separated list
func parseAPIUsage(header string) (used, limit int64, ok bool) {
	for _, part := range strings.Split(header, ",") {
		value, found := strings.CutPrefix(strings.TrimSpace(part), "api-usage=")
		if !found {
			continue
		}
		u, l, found := strings.Cut(value, "/")
		if !found {
			return 0, 0, false
		}
		used, err := strconv.ParseInt(strings.TrimSpace(u), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		limit, err := strconv.ParseInt(strings.TrimSpace(l), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return used, limit, true
	}
	return 0, 0, false
}
