// Package sending delivers approved messages back through the channel
// they arrived on, behind per-channel rate limits that keep the
// outbound volume looking human.
package sending

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/growlancer/sdr/internal/core"
)

const acquireTimeout = 30 * time.Second

// Limiter enforces per-channel hourly send budgets. The bucket starts
// full, so a fresh process can burst up to the hourly cap and then
// settles into the refill rate.
type Limiter struct {
	buckets map[core.Channel]*rate.Limiter
}

// NewLimiter creates a limiter with hourly caps per channel.
func NewLimiter(gmailPerHour, linkedinPerHour int) *Limiter {
	return &Limiter{
		buckets: map[core.Channel]*rate.Limiter{
			core.ChannelGmail:    rate.NewLimiter(rate.Limit(float64(gmailPerHour)/3600.0), gmailPerHour),
			core.ChannelLinkedIn: rate.NewLimiter(rate.Limit(float64(linkedinPerHour)/3600.0), linkedinPerHour),
		},
	}
}

// Acquire blocks until a send token is available, up to 30 seconds.
// Returns ErrRateLimited when the budget is exhausted. Unknown
// channels are never limited.
func (l *Limiter) Acquire(ctx context.Context, channel core.Channel) error {
	bucket, ok := l.buckets[channel]
	if !ok {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	if err := bucket.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.ErrRateLimited
	}
	return nil
}

// TryAcquire takes a token without blocking.
func (l *Limiter) TryAcquire(channel core.Channel) bool {
	bucket, ok := l.buckets[channel]
	if !ok {
		return true
	}
	return bucket.Allow()
}
