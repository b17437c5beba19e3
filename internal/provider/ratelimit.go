package provider

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"wearable-sync/internal/metrics"
)

// RateLimiter tracks the provider's reported rate limit budget
type RateLimiter struct {
	mu          sync.RWMutex
	limit15Min  int
	usage15Min  int
	limitDaily  int
	usageDaily  int
	lastUpdated time.Time
}

// RateLimitStatus represents the current rate limit status
type RateLimitStatus struct {
	Limit15Min    int
	Usage15Min    int
	LimitDaily    int
	UsageDaily    int
	Usage15MinPct float64
	UsageDailyPct float64
	LastUpdated   time.Time
}

// Remaining15Min is the budget left in the current 15 minute window
func (s RateLimitStatus) Remaining15Min() int { return max(s.Limit15Min-s.Usage15Min, 0) }

// RemainingDaily is the budget left today
func (s RateLimitStatus) RemainingDaily() int { return max(s.LimitDaily-s.UsageDaily, 0) }

// NewRateLimiter creates a rate limiter with conservative defaults used until
// the provider reports its real limits
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limit15Min: 200,
		limitDaily: 2000,
	}
}

// Update updates the rate limit information
func (rl *RateLimiter) Update(limit15Min, usage15Min, limitDaily, usageDaily int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit15Min = limit15Min
	rl.usage15Min = usage15Min
	rl.limitDaily = limitDaily
	rl.usageDaily = usageDaily
	rl.lastUpdated = time.Now()

	metrics.ProviderRateLimitUsage.WithLabelValues(metrics.RateLimit15Min, metrics.BucketLimit).Set(float64(limit15Min))
	metrics.ProviderRateLimitUsage.WithLabelValues(metrics.RateLimit15Min, metrics.BucketUsage).Set(float64(usage15Min))
	metrics.ProviderRateLimitUsage.WithLabelValues(metrics.RateLimitDaily, metrics.BucketLimit).Set(float64(limitDaily))
	metrics.ProviderRateLimitUsage.WithLabelValues(metrics.RateLimitDaily, metrics.BucketUsage).Set(float64(usageDaily))
}

// Status returns the current rate limit status
func (rl *RateLimiter) Status() RateLimitStatus {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	usage15MinPct := 0.0
	if rl.limit15Min > 0 {
		usage15MinPct = float64(rl.usage15Min) / float64(rl.limit15Min) * 100
	}

	usageDailyPct := 0.0
	if rl.limitDaily > 0 {
		usageDailyPct = float64(rl.usageDaily) / float64(rl.limitDaily) * 100
	}

	return RateLimitStatus{
		Limit15Min:    rl.limit15Min,
		Usage15Min:    rl.usage15Min,
		LimitDaily:    rl.limitDaily,
		UsageDaily:    rl.usageDaily,
		Usage15MinPct: usage15MinPct,
		UsageDailyPct: usageDailyPct,
		LastUpdated:   rl.lastUpdated,
	}
}

// IsNearLimit returns true if we're approaching rate limits
func (rl *RateLimiter) IsNearLimit(threshold float64) bool {
	status := rl.Status()
	return status.Usage15MinPct >= threshold || status.UsageDailyPct >= threshold
}

// parseHeaders reads X-RateLimit-Limit / X-RateLimit-Usage, each formatted
// "<15min>,<daily>". Malformed headers are ignored.
func (rl *RateLimiter) parseHeaders(headers http.Header) {
	limits := strings.Split(headers.Get("X-RateLimit-Limit"), ",")
	usages := strings.Split(headers.Get("X-RateLimit-Usage"), ",")
	if len(limits) != 2 || len(usages) != 2 {
		return
	}

	var vals [4]int
	for i, s := range []string{limits[0], usages[0], limits[1], usages[1]} {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return
		}
		vals[i] = v
	}
	rl.Update(vals[0], vals[1], vals[2], vals[3])
}

// parseRetryAfter extracts retry delay from the Retry-After header, in seconds
// or as an HTTP date
func parseRetryAfter(headers http.Header, now time.Time) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(retryAfter); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// CalculateCooldown picks how long the circuit breaker stays open after a 429.
// An explicit Retry-After wins; an exhausted 15 minute budget waits for the
// next quarter-hour window; otherwise a short pause.
func CalculateCooldown(now time.Time, retryAfter time.Duration, remaining15Min int) time.Duration {
	const minCooldown = 30 * time.Second

	if retryAfter > 0 {
		return max(retryAfter, minCooldown)
	}
	if remaining15Min <= 0 {
		next := now.Truncate(15 * time.Minute).Add(15 * time.Minute)
		return max(next.Sub(now)+5*time.Second, minCooldown)
	}
	return time.Minute
}
