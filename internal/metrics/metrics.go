// Package metrics records structured events and running counters for the
// product data integration. Events never carry credentials, signatures, or
// raw ASINs.
package metrics

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"afflink/internal/product"
)

// responseWindow bounds the rolling average to the most recent samples.
const responseWindow = 1000

var asinScrub = regexp.MustCompile(`[A-Z0-9]{10}`)

var sensitiveFields = []string{"accesskey", "secretkey", "authorization", "signature", "token", "password"}

// Snapshot is a consistent point-in-time read of all counters.
type Snapshot struct {
	TotalRequests         int64   `json:"totalRequests"`
	SuccessfulRequests    int64   `json:"successfulRequests"`
	FailedRequests        int64   `json:"failedRequests"`
	RateLimitedRequests   int64   `json:"rateLimitedRequests"`
	CacheHits             int64   `json:"cacheHits"`
	CacheMisses           int64   `json:"cacheMisses"`
	CacheHitRate          float64 `json:"cacheHitRate"`
	AverageResponseTimeMs float64 `json:"averageResponseTime"`
}

// Recorder is safe for concurrent use. A single mutex keeps Snapshot
// consistent across fields.
type Recorder struct {
	mu            sync.Mutex
	total         int64
	success       int64
	failed        int64
	rateLimited   int64
	cacheHits     int64
	cacheMisses   int64
	responseTimes []time.Duration
	log           zerolog.Logger
}

func New(log zerolog.Logger) *Recorder {
	return &Recorder{log: log.With().Str("service", "amazon-pa-api").Logger()}
}

// APICall records one upstream request outcome.
func (r *Recorder) APICall(status int, market product.Market, errCode string, elapsed time.Duration) {
	r.mu.Lock()
	r.total++
	if status >= 200 && status < 300 {
		r.success++
	} else {
		r.failed++
	}
	if status == 429 {
		r.rateLimited++
	}
	if elapsed > 0 {
		r.responseTimes = append(r.responseTimes, elapsed)
		if len(r.responseTimes) > responseWindow {
			r.responseTimes = r.responseTimes[1:]
		}
	}
	r.mu.Unlock()

	evt := r.log.Info()
	if status == 0 || status >= 400 {
		evt = r.log.Warn()
	}
	evt.Int("status", status).
		Str("market", string(market)).
		Str("error_code", scrub(errCode)).
		Dur("response_time", elapsed).
		Msg("api call")
}

// CacheAccess records a hit or miss. The key is scrubbed so product
// identifiers never reach the log stream.
func (r *Recorder) CacheAccess(hit bool, key string) {
	r.mu.Lock()
	if hit {
		r.cacheHits++
	} else {
		r.cacheMisses++
	}
	r.mu.Unlock()

	event := "miss"
	if hit {
		event = "hit"
	}
	r.log.Debug().
		Str("component", "cache").
		Str("event", event).
		Str("key", scrub(key)).
		Msg("cache access")
}

// RateLimit records a rate-limiting event with the live queue depth.
func (r *Recorder) RateLimit(market product.Market, retryAfter string, queueLen int) {
	r.log.Warn().
		Str("component", "rate-limiter").
		Str("event", "rate_limited").
		Str("market", string(market)).
		Str("retry_after", retryAfter).
		Int("queue_length", queueLen).
		Msg("rate limited")
}

// QueueChange records a queue-length transition for later analysis.
func (r *Recorder) QueueChange(market product.Market, queueLen int) {
	r.log.Debug().
		Str("component", "rate-limiter").
		Str("market", string(market)).
		Int("queue_length", queueLen).
		Msg("queue length changed")
}

// Error records a failure with a sanitized context. Field values under
// credential-bearing names are masked outright.
func (r *Recorder) Error(err error, context map[string]string) {
	evt := r.log.Error().Str("event", "error").Str("message", scrub(err.Error()))
	for field, value := range context {
		if isSensitive(field) {
			value = "***"
		} else {
			value = scrub(value)
		}
		evt = evt.Str(field, value)
	}
	evt.Msg("operation failed")
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		TotalRequests:       r.total,
		SuccessfulRequests:  r.success,
		FailedRequests:      r.failed,
		RateLimitedRequests: r.rateLimited,
		CacheHits:           r.cacheHits,
		CacheMisses:         r.cacheMisses,
	}
	if lookups := r.cacheHits + r.cacheMisses; lookups > 0 {
		snap.CacheHitRate = float64(r.cacheHits) / float64(lookups)
	}
	if len(r.responseTimes) > 0 {
		var sum time.Duration
		for _, rt := range r.responseTimes {
			sum += rt
		}
		snap.AverageResponseTimeMs = float64(sum.Milliseconds()) / float64(len(r.responseTimes))
	}
	return snap
}

// LogSnapshot emits the current counters; driven by the scheduled flush.
func (r *Recorder) LogSnapshot() {
	snap := r.Snapshot()
	r.log.Info().
		Str("event", "performance_metrics").
		Int64("total_requests", snap.TotalRequests).
		Int64("successful_requests", snap.SuccessfulRequests).
		Int64("failed_requests", snap.FailedRequests).
		Int64("rate_limited_requests", snap.RateLimitedRequests).
		Int64("cache_hits", snap.CacheHits).
		Int64("cache_misses", snap.CacheMisses).
		Float64("cache_hit_rate", snap.CacheHitRate).
		Float64("avg_response_time_ms", snap.AverageResponseTimeMs).
		Msg("metrics snapshot")
}

// Reset zeroes all counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = 0
	r.success = 0
	r.failed = 0
	r.rateLimited = 0
	r.cacheHits = 0
	r.cacheMisses = 0
	r.responseTimes = nil
}

func scrub(s string) string {
	return asinScrub.ReplaceAllString(s, "***")
}

func isSensitive(field string) bool {
	lowered := strings.ToLower(field)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(lowered, sensitive) {
			return true
		}
	}
	return false
}
