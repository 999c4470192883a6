package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/config"
	"thinkserver/errs"
)

func TestBucketKeyTemplate(t *testing.T) {
	assert.Equal(t, "anthropic:claude-opus-4-6", Key("anthropic", "claude-opus-4-6"))
}

func TestRegistryGetOrCreateMemoizes(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	newBucket := func() *Bucket {
		calls++
		return NewBucket(nil, 60)
	}

	a := reg.GetOrCreate("anthropic:claude-opus-4-6", newBucket)
	b := reg.GetOrCreate("anthropic:claude-opus-4-6", newBucket)

	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)
}

// TestErrorStrategyRejectsAfterBurst checks that with strategy=error, the
// first call in a bucket succeeds and subsequent calls over budget fail
// fast with RateLimit, all within a tight deadline (no sleeping).
func TestErrorStrategyRejectsAfterBurst(t *testing.T) {
	cfg := &config.RateLimitConfig{QPS: 1, Burst: 1, Strategy: config.StrategyError}
	b := NewBucket(cfg, 0)

	start := time.Now()
	require.NoError(t, b.Acquire(context.Background(), ""))

	for i := 0; i < 4; i++ {
		err := b.Acquire(context.Background(), "")
		require.Error(t, err)
		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errs.RateLimit, e.Kind)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitStrategyBlocksThenAdmits(t *testing.T) {
	cfg := &config.RateLimitConfig{QPS: 1000, Burst: 1, Strategy: config.StrategyWait}
	b := NewBucket(cfg, 0)

	require.NoError(t, b.Acquire(context.Background(), ""))
	require.NoError(t, b.Acquire(context.Background(), ""))
}

func TestRequestStrategyOverridesBucketDefault(t *testing.T) {
	cfg := &config.RateLimitConfig{QPS: 1, Burst: 1, Strategy: config.StrategyWait}
	b := NewBucket(cfg, 0)

	require.NoError(t, b.Acquire(context.Background(), ""))
	err := b.Acquire(context.Background(), config.StrategyError)
	require.Error(t, err)
}

func TestSlidingWindowCellAdmitsUpToLimit(t *testing.T) {
	cfg := &config.RateLimitConfig{
		WindowSeconds: 60,
		Limit:         2,
		Strategy:      config.StrategyError,
	}
	b := NewBucket(cfg, 0)

	require.NoError(t, b.Acquire(context.Background(), ""))
	require.NoError(t, b.Acquire(context.Background(), ""))
	require.Error(t, b.Acquire(context.Background(), ""))
}

func TestBothCellsMustAdmit(t *testing.T) {
	cfg := &config.RateLimitConfig{
		QPS:           1000,
		Burst:         10,
		WindowSeconds: 60,
		Limit:         1,
		Strategy:      config.StrategyError,
	}
	b := NewBucket(cfg, 0)

	require.NoError(t, b.Acquire(context.Background(), ""))
	// Token bucket still has budget, but the sliding window is exhausted.
	require.Error(t, b.Acquire(context.Background(), ""))
}

func TestNewBucketDerivesFromRPM(t *testing.T) {
	b := NewBucket(nil, 120)
	require.NotNil(t, b.tokenBucket)
	assert.InDelta(t, 2.0, float64(b.tokenBucket.Limit()), 0.001)
}

func TestNewBucketWithNoConfigAlwaysAdmits(t *testing.T) {
	b := NewBucket(nil, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Acquire(context.Background(), config.StrategyError))
	}
}

func TestAcquireRespectsContextDeadline(t *testing.T) {
	cfg := &config.RateLimitConfig{QPS: 0.001, Burst: 1, Strategy: config.StrategyWait}
	b := NewBucket(cfg, 0)
	require.NoError(t, b.Acquire(context.Background(), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx, "")
	require.Error(t, err)
}
