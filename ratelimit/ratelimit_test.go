package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/ratelimit"
)

func TestDisabled(t *testing.T) {
	l := ratelimit.New(0)
	require.Nil(t, l)
	require.NoError(t, l.ThrottleN(context.Background(), 1<<20))
	assert.True(t, l.Allow(1<<20))
}

func TestThrottlePaces(t *testing.T) {
	// Burst is 32 at this rate, so 32 more packets cost ~32ms.
	l := ratelimit.New(1000)
	ctx := context.Background()
	require.NoError(t, l.ThrottleN(ctx, 32))

	start := time.Now()
	require.NoError(t, l.ThrottleN(ctx, 32))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestThrottleLargeBatch(t *testing.T) {
	l := ratelimit.New(100_000)
	require.NoError(t, l.ThrottleN(context.Background(), 5000))
}

func TestThrottleCanceled(t *testing.T) {
	l := ratelimit.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.ThrottleN(ctx, 32))
	cancel()
	assert.Error(t, l.ThrottleN(ctx, 32))
}

func TestAllow(t *testing.T) {
	l := ratelimit.New(1)
	assert.True(t, l.Allow(32))
	assert.False(t, l.Allow(1))
}
