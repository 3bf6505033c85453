package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/stretchr/testify/assert"
)

func TestTimingDelay_Target_WithinBounds(t *testing.T) {
	td := auth.NewTimingDelay(auth.TimingConfig{BaseDelay: 100 * time.Millisecond, RandomDelay: 50 * time.Millisecond})

	for i := 0; i < 100; i++ {
		d := td.Target()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestTimingDelay_WaitFrom_PadsRemainder(t *testing.T) {
	var slept time.Duration
	td := auth.NewTimingDelay(auth.TimingConfig{BaseDelay: 200 * time.Millisecond}).
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = d
			return nil
		})

	td.WaitFrom(context.Background(), time.Now().Add(-50*time.Millisecond))

	assert.Greater(t, slept, 100*time.Millisecond)
	assert.LessOrEqual(t, slept, 150*time.Millisecond)
}

func TestTimingDelay_WaitFrom_NoSleepWhenSlower(t *testing.T) {
	called := false
	td := auth.NewTimingDelay(auth.TimingConfig{BaseDelay: 10 * time.Millisecond}).
		WithSleep(func(context.Context, time.Duration) error {
			called = true
			return nil
		})

	td.WaitFrom(context.Background(), time.Now().Add(-time.Second))

	assert.False(t, called)
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := auth.SleepContext(ctx, time.Minute)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepContext_Zero(t *testing.T) {
	assert.NoError(t, auth.SleepContext(context.Background(), 0))
}
