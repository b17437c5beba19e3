package provider

import (
	"net/http"
	"testing"
	"time"
)

func TestRateLimiterUpdate(t *testing.T) {
	rl := NewRateLimiter()

	rl.Update(200, 50, 2000, 500)

	status := rl.Status()

	if status.Limit15Min != 200 {
		t.Errorf("Expected limit15Min 200, got %d", status.Limit15Min)
	}
	if status.Usage15Min != 50 {
		t.Errorf("Expected usage15Min 50, got %d", status.Usage15Min)
	}
	if status.Usage15MinPct != 25.0 {
		t.Errorf("Expected usage15MinPct 25.0, got %f", status.Usage15MinPct)
	}
	if status.UsageDailyPct != 25.0 {
		t.Errorf("Expected usageDailyPct 25.0, got %f", status.UsageDailyPct)
	}
	if status.Remaining15Min() != 150 {
		t.Errorf("Expected 150 remaining in window, got %d", status.Remaining15Min())
	}
	if status.RemainingDaily() != 1500 {
		t.Errorf("Expected 1500 remaining today, got %d", status.RemainingDaily())
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	status := NewRateLimiter().Status()

	if status.Limit15Min != 200 {
		t.Errorf("Expected default limit15Min 200, got %d", status.Limit15Min)
	}
	if status.LimitDaily != 2000 {
		t.Errorf("Expected default limitDaily 2000, got %d", status.LimitDaily)
	}
	if !status.LastUpdated.IsZero() {
		t.Errorf("Expected zero LastUpdated before any response, got %v", status.LastUpdated)
	}
}

func TestRateLimiterIsNearLimit(t *testing.T) {
	rl := NewRateLimiter()

	rl.Update(200, 50, 2000, 500)
	if rl.IsNearLimit(80) {
		t.Error("Expected IsNearLimit(80) to be false at 25% usage")
	}

	rl.Update(200, 180, 2000, 1800)
	if !rl.IsNearLimit(80) {
		t.Error("Expected IsNearLimit(80) to be true at 90% usage")
	}

	rl.Update(200, 50, 2000, 1900)
	if !rl.IsNearLimit(90) {
		t.Error("Expected IsNearLimit(90) to be true when daily at 95%")
	}
}

func TestParseHeadersIgnoresMalformed(t *testing.T) {
	rl := NewRateLimiter()

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "100,1000")
	h.Set("X-RateLimit-Usage", "abc,10")
	rl.parseHeaders(h)

	if status := rl.Status(); status.Limit15Min != 200 {
		t.Errorf("Expected malformed headers to be ignored, got limit %d", status.Limit15Min)
	}

	h.Set("X-RateLimit-Usage", " 10 , 20 ")
	rl.parseHeaders(h)

	status := rl.Status()
	if status.Limit15Min != 100 || status.Usage15Min != 10 || status.UsageDaily != 20 {
		t.Errorf("Unexpected status after valid headers: %+v", status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"missing", "", 0},
		{"seconds", "90", 90 * time.Second},
		{"http date", now.Add(3 * time.Minute).Format(http.TimeFormat), 3 * time.Minute},
		{"date in past", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Retry-After", tt.header)
			}
			if got := parseRetryAfter(h, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestCalculateCooldown(t *testing.T) {
	now := time.Date(2024, 1, 5, 12, 7, 0, 0, time.UTC)

	if got := CalculateCooldown(now, 5*time.Minute, 0); got != 5*time.Minute {
		t.Errorf("Expected Retry-After to win, got %v", got)
	}
	if got := CalculateCooldown(now, 5*time.Second, 0); got != 30*time.Second {
		t.Errorf("Expected minimum cooldown of 30s, got %v", got)
	}
	// 12:07 -> next window opens at 12:15
	if got := CalculateCooldown(now, 0, 0); got != 8*time.Minute+5*time.Second {
		t.Errorf("Expected wait until next window, got %v", got)
	}
	if got := CalculateCooldown(now, 0, 40); got != time.Minute {
		t.Errorf("Expected short pause with budget left, got %v", got)
	}
}
