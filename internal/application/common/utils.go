package common

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Version is overridden at build time with -ldflags "-X roombooking/internal/application/common.Version=..."
var Version = "0.1.0"

// PgInterval renders d as a postgres interval literal at millisecond precision.
func PgInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// BackoffCeiling is the deterministic part of the retry delay after the given number of
// failed attempts: base, 2*base, 4*base ... capped at limit.
func BackoffCeiling(attempts int, base, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		return 0
	}

	d := base
	for i := 1; i < attempts; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// NextBackoff returns the delay before a job that has failed `attempts` times becomes
// eligible again. Half of the ceiling is fixed and half is jitter, so the result lies in
// [ceiling/2, ceiling).
func NextBackoff(attempts int, base, limit time.Duration) time.Duration {
	ceiling := BackoffCeiling(attempts, base, limit)
	if ceiling < 2 {
		return ceiling
	}

	jitter := time.Duration(rand.Int63n(int64(ceiling / 2)))

	return ceiling/2 + jitter
}

func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
