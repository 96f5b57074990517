package retry

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBackoff_Schedule(t *testing.T) {
	base := 1000 * time.Millisecond
	maxDelay := 30000 * time.Millisecond

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{4, 16000 * time.Millisecond},
		{5, 30000 * time.Millisecond},
		{6, 30000 * time.Millisecond},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Backoff(tt.retry, base, maxDelay, 2.0), "retry %d", tt.retry)
	}
}

func TestBackoff_SaturatesOnHugeRetryCount(t *testing.T) {
	require.Equal(t, 30*time.Second, Backoff(math.MaxInt, time.Second, 30*time.Second, 2))
	require.Equal(t, 30*time.Second, Backoff(math.MaxInt, time.Second, 30*time.Second, math.Inf(1)))
}

func TestBackoff_NegativeRetryCountIsZero(t *testing.T) {
	require.Equal(t, time.Second, Backoff(-5, time.Second, 30*time.Second, 2))
}

func TestBackoff_MultiplierBelowOne(t *testing.T) {
	require.Equal(t, time.Second, Backoff(10, time.Second, 30*time.Second, 0.5))
	require.Equal(t, time.Second, Backoff(10, time.Second, 30*time.Second, math.NaN()))
}

func TestBackoff_BaseAboveMax(t *testing.T) {
	require.Equal(t, 5*time.Second, Backoff(0, time.Minute, 5*time.Second, 2))
}

func TestBackoff_NonPositiveInputs(t *testing.T) {
	require.Zero(t, Backoff(3, 0, time.Second, 2))
	require.Zero(t, Backoff(3, time.Second, 0, 2))
}

func TestBackoff_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(rt, "base"))
		maxDelay := time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(rt, "max"))
		mult := rapid.Float64Range(1.01, 10).Draw(rt, "mult")
		n := rapid.IntRange(0, 10000).Draw(rt, "n")

		cur := Backoff(n, base, maxDelay, mult)
		next := Backoff(n+1, base, maxDelay, mult)

		if cur > maxDelay {
			rt.Fatalf("backoff(%d) = %v exceeds max %v", n, cur, maxDelay)
		}
		if next < cur {
			rt.Fatalf("backoff decreased: %v then %v", cur, next)
		}
	})
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, 8*time.Second, p.Delay(3))
	require.Equal(t, 30*time.Second, p.Delay(99))
}

func TestPolicy_WaitCancelled(t *testing.T) {
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Wait(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_WaitElapses(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	require.NoError(t, p.Wait(context.Background(), 3))
}
