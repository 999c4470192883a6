// Package ratelimit implements bucketed admission control: a process-wide
// registry of buckets keyed by "{provider}:{model}", each backed by an
// optional token-bucket cell and an optional sliding-window cell. Both
// attached cells must admit before a call proceeds.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"thinkserver/config"
	"thinkserver/errs"
)

// Key builds the default "{provider}:{model}" bucket key template. Callers
// may supply their own override string instead when request-level
// precedence demands it.
func Key(provider, model string) string {
	return provider + ":" + model
}

// Bucket holds the limiter cells for one bucket key. A zero-value cell
// (nil limiter, zero window limit) is simply skipped during Acquire.
type Bucket struct {
	mu sync.Mutex

	tokenBucket *rate.Limiter

	window           []time.Time
	windowSize       time.Duration
	windowLimit      int
	hasSlidingWindow bool

	strategy config.RateLimitStrategy
	timeout  time.Duration
}

// NewBucket constructs a Bucket from a resolved RateLimitConfig. When cfg is
// nil, rpm is used to derive the token-bucket cell per the
// "{qps = rpm/60, burst = max(1, rpm/60)}" rule; rpm <= 0 yields a bucket
// with no cells, which always admits.
func NewBucket(cfg *config.RateLimitConfig, rpm int) *Bucket {
	b := &Bucket{strategy: config.StrategyWait}

	switch {
	case cfg != nil:
		if cfg.QPS > 0 {
			burst := cfg.Burst
			if burst < 1 {
				burst = 1
			}
			b.tokenBucket = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
		}
		if cfg.WindowSeconds > 0 && cfg.Limit > 0 {
			b.hasSlidingWindow = true
			b.windowSize = time.Duration(cfg.WindowSeconds) * time.Second
			b.windowLimit = cfg.Limit
		}
		if cfg.Strategy != "" {
			b.strategy = cfg.Strategy
		}
		if cfg.TimeoutSeconds > 0 {
			b.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
	case rpm > 0:
		qps := float64(rpm) / 60.0
		burst := rpm / 60
		if burst < 1 {
			burst = 1
		}
		b.tokenBucket = rate.NewLimiter(rate.Limit(qps), burst)
	}

	return b
}

// Registry is the process-wide map from bucket key to Bucket, memoised on
// first use so every caller racing for the same key shares one Bucket.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// GetOrCreate returns the bucket for key, constructing it via newBucket on
// first access. newBucket is only invoked when the key is not yet
// registered.
func (r *Registry) GetOrCreate(key string, newBucket func() *Bucket) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}
	b := newBucket()
	r.buckets[key] = b
	return b
}

// Acquire admits one call against the bucket, honoring the request
// strategy override when non-empty, else the bucket's configured strategy.
// It blocks for a wait strategy (bounded by the bucket's configured timeout
// or ctx's deadline, whichever is tighter) and returns an errs.RateLimit
// error immediately for an error strategy or once the wait deadline is
// exhausted.
func (b *Bucket) Acquire(ctx context.Context, strategyOverride config.RateLimitStrategy) error {
	strategy := b.strategy
	if strategyOverride != "" {
		strategy = strategyOverride
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if strategy == config.StrategyError {
		if !b.tryAdmit() {
			return errs.New(errs.RateLimit, "rate limit bucket exhausted")
		}
		return nil
	}

	return b.wait(ctx)
}

// tryAdmit performs a single non-blocking admission attempt against both
// cells, used by the error strategy.
func (b *Bucket) tryAdmit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokenBucket != nil && !b.tokenBucket.Allow() {
		return false
	}
	if b.hasSlidingWindow && !b.admitWindowLocked(time.Now()) {
		return false
	}
	return true
}

// wait blocks until both attached cells admit, or ctx is done.
func (b *Bucket) wait(ctx context.Context) error {
	if b.tokenBucket != nil {
		if err := b.tokenBucket.Wait(ctx); err != nil {
			return errs.Wrap(errs.RateLimit, "rate limit wait exceeded deadline", err)
		}
	}
	if !b.hasSlidingWindow {
		return nil
	}

	for {
		b.mu.Lock()
		if b.admitWindowLocked(time.Now()) {
			b.mu.Unlock()
			return nil
		}
		wait := b.nextSlotLocked()
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.New(errs.RateLimit, "rate limit wait exceeded deadline").WithDetail("cause", ctx.Err().Error())
		case <-timer.C:
		}
	}
}

// admitWindowLocked drops timestamps older than the window and admits the
// current call if the remaining ring is below the configured limit. Callers
// must hold b.mu.
func (b *Bucket) admitWindowLocked(now time.Time) bool {
	cutoff := now.Add(-b.windowSize)
	kept := b.window[:0]
	for _, ts := range b.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.window = kept

	if len(b.window) >= b.windowLimit {
		return false
	}
	b.window = append(b.window, now)
	return true
}

// nextSlotLocked estimates how long until the oldest timestamp falls out of
// the window, making room for one more call. Callers must hold b.mu.
func (b *Bucket) nextSlotLocked() time.Duration {
	if len(b.window) == 0 {
		return time.Millisecond
	}
	oldest := b.window[0]
	wait := b.windowSize - time.Since(oldest)
	if wait <= 0 {
		return time.Millisecond
	}
	return wait
}
