// Package throttle caps the rate of outbound provider calls globally and per user.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an unused per-user limiter is kept
const idleTTL = 30 * time.Minute

type userLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Throttle is a global token bucket in front of per-user token buckets.
// A request needs a token from both.
type Throttle struct {
	global *rate.Limiter

	mu        sync.Mutex
	users     map[string]*userLimiter
	userRate  rate.Limit
	userBurst int
	now       func() time.Time
}

// New creates a throttle allowing globalRPS requests per second overall and
// userRPS per user. A non-positive rate means unlimited.
func New(globalRPS, userRPS float64) *Throttle {
	return &Throttle{
		global:    rate.NewLimiter(limitFor(globalRPS), burstFor(globalRPS)),
		users:     make(map[string]*userLimiter),
		userRate:  limitFor(userRPS),
		userBurst: burstFor(userRPS),
		now:       time.Now,
	}
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func burstFor(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

// Wait blocks until userID may make one request, or ctx ends. The user's own
// budget is taken first so a slow user does not hold global tokens while it
// waits.
func (t *Throttle) Wait(ctx context.Context, userID string) error {
	if err := t.userLimiter(userID).Wait(ctx); err != nil {
		return fmt.Errorf("user rate limit wait: %w", err)
	}
	if err := t.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit wait: %w", err)
	}
	return nil
}

func (t *Throttle) userLimiter(userID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ul, ok := t.users[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(t.userRate, t.userBurst)}
		t.users[userID] = ul
		t.evictIdle(now)
	}
	ul.lastUsed = now
	return ul.limiter
}

// evictIdle drops limiters of users who have not made a request recently.
// Caller holds t.mu.
func (t *Throttle) evictIdle(now time.Time) {
	for id, ul := range t.users {
		if now.Sub(ul.lastUsed) > idleTTL {
			delete(t.users, id)
		}
	}
}

// Users returns the number of tracked per-user limiters
func (t *Throttle) Users() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}
