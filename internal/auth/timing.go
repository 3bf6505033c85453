package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for timing attack prevention
type TimingConfig struct {
	BaseDelay   time.Duration
	RandomDelay time.Duration
}

// TimingDelay pads credential failure paths to a common minimum duration so
// "no such user" and "wrong password" are indistinguishable by latency.
type TimingDelay struct {
	config TimingConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config, sleep: SleepContext}
}

// WithSleep replaces the sleeper, used by tests.
func (td *TimingDelay) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *TimingDelay {
	td.sleep = sleep
	return td
}

// cryptoRandDuration returns a uniformly random duration in [0, max).
func cryptoRandDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(max))
}

// Target returns the padded duration for one call: base plus random jitter.
func (td *TimingDelay) Target() time.Duration {
	return td.config.BaseDelay + cryptoRandDuration(td.config.RandomDelay)
}

// WaitFrom sleeps until at least Target() has elapsed since start.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time) {
	elapsed := time.Since(start)
	if target := td.Target(); elapsed < target {
		_ = td.sleep(ctx, target-elapsed)
	}
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
