package crawler

import (
	"context"
	"time"
)

// TimerSleeper implements Sleeper with a real timer.
type TimerSleeper struct{}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
