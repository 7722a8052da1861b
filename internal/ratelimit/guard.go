// Package ratelimit throttles inbound alias deliveries per user over a
// trailing time window.
package ratelimit

import (
	"context"
	"log"
	"time"
)

// Counter counts a user's stored emails newer than a point in time.
type Counter interface {
	CountEmailsSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Guard admits or denies inbound deliveries. Only the SMTP listener
// consults it; pull syncs are bounded by the provider's own quota.
type Guard struct {
	counter Counter
	max     int64
	window  time.Duration
}

// NewGuard creates a Guard allowing max accepted messages per window.
func NewGuard(counter Counter, max int, window time.Duration) *Guard {
	return &Guard{counter: counter, max: int64(max), window: window}
}

// Admit reports whether another message may be accepted for the user.
// A store error denies (fail closed).
func (g *Guard) Admit(ctx context.Context, userID string) (bool, error) {
	count, err := g.counter.CountEmailsSince(ctx, userID, time.Now().Add(-g.window))
	if err != nil {
		log.Printf("RateGuard: count failed for user %s, denying: %v", userID, err)
		return false, err
	}

	return count < g.max, nil
}
