// Package ratelimit guards the upstream product API behind a token bucket
// with in-flight request deduplication, FIFO queueing, and retry with
// exponential backoff.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"afflink/internal/metrics"
	"afflink/internal/product"
)

// inflightMaxAge bounds how long an orphaned registry entry survives
// before opportunistic garbage collection removes it.
const inflightMaxAge = 60 * time.Second

type Config struct {
	// Capacity is the bucket size; default 1.
	Capacity float64
	// RefillInterval grants one token per interval; default 1s.
	RefillInterval time.Duration
	// MaxRetries bounds rate-limited retries; default 3.
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff; default 2s.
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	return c
}

// Stats is a live view of limiter state, refilled at read time.
type Stats struct {
	Tokens        float64 `json:"tokens"`
	Capacity      float64 `json:"capacity"`
	QueueLength   int     `json:"queueLength"`
	InflightCount int     `json:"inflightCount"`
}

// Func is the unit of work admitted by the limiter.
type Func func(ctx context.Context) (interface{}, error)

// flight is one shared computation. All callers with the same key observe
// its settlement.
type flight struct {
	done      chan struct{}
	val       interface{}
	err       error
	createdAt time.Time
}

type queued struct {
	ctx        context.Context
	key        string
	market     product.Market
	fn         Func
	fl         *flight
	enqueuedAt time.Time
}

type Limiter struct {
	cfg Config
	rec *metrics.Recorder
	log zerolog.Logger

	mu             sync.Mutex
	tokens         float64
	lastRefill     time.Time
	inflight       map[string]*flight
	queue          []*queued
	drainScheduled bool

	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg Config, rec *metrics.Recorder, log zerolog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:        cfg,
		rec:        rec,
		log:        log.With().Str("component", "rate-limiter").Logger(),
		tokens:     cfg.Capacity,
		lastRefill: time.Now(),
		inflight:   make(map[string]*flight),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Execute runs fn under rate limiting. Concurrent calls sharing a key join
// the first caller's flight and receive its result or error. When no token
// is available the call queues FIFO. Once accepted, work runs to
// completion; caller cancellation does not abort it.
func (l *Limiter) Execute(ctx context.Context, key string, market product.Market, fn Func) (interface{}, error) {
	l.mu.Lock()
	now := l.now()
	l.gcInflight(now)

	if fl, ok := l.inflight[key]; ok {
		l.mu.Unlock()
		l.log.Debug().Str("market", string(market)).Msg("joining in-flight request")
		<-fl.done
		return fl.val, fl.err
	}

	fl := &flight{done: make(chan struct{}), createdAt: now}
	l.inflight[key] = fl
	detached := context.WithoutCancel(ctx)

	l.refill(now)
	if l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		l.run(detached, key, market, fn, fl)
		return fl.val, fl.err
	}

	l.queue = append(l.queue, &queued{
		ctx:        detached,
		key:        key,
		market:     market,
		fn:         fn,
		fl:         fl,
		enqueuedAt: now,
	})
	queueLen := len(l.queue)
	l.scheduleDrainLocked(l.cfg.RefillInterval)
	l.mu.Unlock()

	l.rec.RateLimit(market, "", queueLen)
	l.rec.QueueChange(market, queueLen)
	<-fl.done
	return fl.val, fl.err
}

// Stats reports freshly refilled limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return Stats{
		Tokens:        l.tokens,
		Capacity:      l.cfg.Capacity,
		QueueLength:   len(l.queue),
		InflightCount: len(l.inflight),
	}
}

// ClearQueue fails all queued work and drops in-flight registrations.
func (l *Limiter) ClearQueue() {
	l.mu.Lock()
	dropped := l.queue
	l.queue = nil
	l.inflight = make(map[string]*flight)
	l.mu.Unlock()
	for _, q := range dropped {
		q.fl.err = product.NewError(product.KindUpstream, "request dropped, queue cleared")
		close(q.fl.done)
	}
	l.log.Info().Int("dropped", len(dropped)).Msg("queue cleared")
}

// Reset restores a full bucket and empties queue and registry.
func (l *Limiter) Reset() {
	l.ClearQueue()
	l.mu.Lock()
	l.tokens = l.cfg.Capacity
	l.lastRefill = l.now()
	l.mu.Unlock()
}

func (l *Limiter) run(ctx context.Context, key string, market product.Market, fn Func, fl *flight) {
	val, err := l.withRetry(ctx, market, fn)
	l.mu.Lock()
	fl.val = val
	fl.err = err
	delete(l.inflight, key)
	close(fl.done)
	l.mu.Unlock()
	l.drain()
}

func (l *Limiter) withRetry(ctx context.Context, market product.Market, fn Func) (interface{}, error) {
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		kind, ok := product.KindOf(err)
		if !ok {
			return nil, err
		}
		switch kind {
		case product.KindRateLimited:
			l.rec.RateLimit(market, "", l.queueLength())
			if attempt < l.cfg.MaxRetries {
				delay := l.cfg.RetryBaseDelay * (1 << uint(attempt))
				l.log.Info().
					Dur("delay", delay).
					Int("attempt", attempt+1).
					Int("max_retries", l.cfg.MaxRetries).
					Msg("rate limited, backing off")
				l.sleep(delay)
				continue
			}
			return nil, product.Errorf(product.KindRateLimited, "Max retries (%d) exceeded", l.cfg.MaxRetries)
		case product.KindQuotaExceeded:
			// Quota resets are hour-scale; retrying is pointless.
			l.rec.RateLimit(market, "3600", l.queueLength())
			return nil, product.WrapError(product.KindQuotaExceeded, "request quota exceeded, try again in 1 hour", err)
		default:
			return nil, err
		}
	}
	return nil, product.Errorf(product.KindRateLimited, "Max retries (%d) exceeded", l.cfg.MaxRetries)
}

// drain admits queued work FIFO while tokens last. Finding zero tokens is
// tolerated; the drain simply reschedules while work remains.
func (l *Limiter) drain() {
	l.mu.Lock()
	l.refill(l.now())
	var ready []*queued
	for len(l.queue) > 0 && l.tokens >= 1 {
		q := l.queue[0]
		l.queue = l.queue[1:]
		l.tokens--
		ready = append(ready, q)
	}
	remaining := len(l.queue)
	if remaining > 0 {
		l.scheduleDrainLocked(l.cfg.RefillInterval)
	}
	l.mu.Unlock()

	for _, q := range ready {
		l.rec.QueueChange(q.market, remaining)
		go l.run(q.ctx, q.key, q.market, q.fn, q.fl)
	}
}

// scheduleDrainLocked arms a single pending drain attempt. Callers hold mu.
func (l *Limiter) scheduleDrainLocked(after time.Duration) {
	if l.drainScheduled {
		return
	}
	l.drainScheduled = true
	time.AfterFunc(after, func() {
		l.mu.Lock()
		l.drainScheduled = false
		l.mu.Unlock()
		l.drain()
	})
}

// refill adds whole elapsed intervals of tokens, capped at capacity.
// Callers hold mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	intervals := float64(elapsed / l.cfg.RefillInterval)
	if intervals > 0 {
		l.tokens += intervals
		if l.tokens > l.cfg.Capacity {
			l.tokens = l.cfg.Capacity
		}
		l.lastRefill = now
	}
}

// gcInflight purges registry entries past the age ceiling, e.g. orphaned
// by a crash mid-flight. Callers hold mu.
func (l *Limiter) gcInflight(now time.Time) {
	for key, fl := range l.inflight {
		if now.Sub(fl.createdAt) > inflightMaxAge {
			delete(l.inflight, key)
		}
	}
}

func (l *Limiter) queueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
