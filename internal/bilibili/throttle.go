package bilibili

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Throttle spaces out remote calls: an optional requests-per-second ceiling
// followed by a random pause in [MinJitter, MaxJitter].
type Throttle struct {
	limiter *rate.Limiter
	min     time.Duration
	max     time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewThrottle builds a throttle. rps <= 0 disables the ceiling.
func NewThrottle(rps float64, minJitter, maxJitter time.Duration) *Throttle {
	t := &Throttle{min: minJitter, max: maxJitter, sleep: Sleep}
	if rps > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return t
}

// Wait blocks until the next call may go out. A nil throttle never blocks.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return ctx.Err()
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return t.sleep(ctx, Jitter(t.min, t.max))
}

// Jitter returns a uniform random duration in [lo, hi].
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
