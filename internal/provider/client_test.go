package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeThrottle struct{ calls atomic.Int32 }

func (f *fakeThrottle) Wait(ctx context.Context, userID string) error {
	f.calls.Add(1)
	return nil
}

// setupTestClient starts a fake provider. api handles everything except the
// token endpoint, which issues "refreshed-token" unless tokenStatus is set.
func setupTestClient(t *testing.T, api http.HandlerFunc, tokenStatus *int) (*Client, *fakeThrottle) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if tokenStatus != nil && *tokenStatus != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(*tokenStatus)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"access_token":  "refreshed-token",
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		}
		if r.FormValue("grant_type") == "authorization_code" {
			resp["access_token"] = "initial-token"
			resp["account_id"] = 4242
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/", api)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	throttle := &fakeThrottle{}
	client := NewClient(Config{
		BaseURL:      server.URL,
		AuthURL:      server.URL + "/oauth/authorize",
		TokenURL:     server.URL + "/oauth/token",
		ClientID:     "test_client_id",
		ClientSecret: "test_client_secret",
		RedirectURL:  "http://localhost/oauth/callback",
	}, throttle)
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return client, throttle
}

func validToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "valid-token",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func TestGetDailyHealth(t *testing.T) {
	client, throttle := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/daily", r.URL.Path)
		assert.Equal(t, "Bearer valid-token", r.Header.Get("Authorization"))
		w.Header().Set("X-RateLimit-Limit", "100,1000")
		w.Header().Set("X-RateLimit-Usage", "25,500")
		w.Write([]byte(`{"date":"` + r.URL.Query().Get("date") + `","steps":1234,"restingHeartRate":52,"hrvMs":61.5}`))
	}, nil)

	uc := client.ForUser("u1", validToken())
	h, err := uc.GetDailyHealth(context.Background(), "2024-01-05")
	require.NoError(t, err)

	assert.Equal(t, "2024-01-05", h.Date)
	require.NotNil(t, h.Steps)
	assert.Equal(t, 1234, *h.Steps)
	assert.Nil(t, h.SleepSeconds)
	assert.False(t, uc.Refreshed())
	assert.Equal(t, int32(1), throttle.calls.Load())

	status := client.RateLimiter().Status()
	assert.Equal(t, 100, status.Limit15Min)
	assert.Equal(t, 25.0, status.Usage15MinPct)
	assert.Equal(t, 50.0, status.UsageDailyPct)
}

func TestMissingDayIsDataGap(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusNoContent} {
		client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}, nil)

		_, err := client.ForUser("u1", validToken()).GetDailyHealth(context.Background(), "2024-01-05")
		assert.True(t, IsDataGap(err), "status %d: expected data gap, got %v", status, err)
	}
}

func TestRateLimitedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}, nil)

	_, err := client.ForUser("u1", validToken()).ListActivities(context.Background(), 0, 50)
	rlErr, ok := AsRateLimit(err)
	require.True(t, ok, "expected rate limit error, got %v", err)
	assert.Equal(t, 2*time.Minute, rlErr.RetryAfter)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "rate_limited", Kind(err))
}

func TestServerErrorsRetryThenTransient(t *testing.T) {
	var calls atomic.Int32
	client, throttle := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, nil)

	_, err := client.ForUser("u1", validToken()).CountActivities(context.Background())
	assert.True(t, IsTransient(err), "expected transient error, got %v", err)
	assert.Equal(t, int32(maxAttempts), calls.Load())
	assert.Equal(t, int32(maxAttempts), throttle.calls.Load(), "every attempt goes through the throttle")
}

func TestRetryBackoffJitter(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)
	var waits []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := client.ForUser("u1", validToken()).CountActivities(context.Background())
	require.Error(t, err)
	require.Len(t, waits, maxAttempts-1)

	delay := initialDelay
	for i, wait := range waits {
		assert.GreaterOrEqual(t, wait, delay/2, "wait %d", i)
		assert.LessOrEqual(t, wait, delay, "wait %d", i)
		delay = min(delay*2, maxDelay)
	}
}

func TestServerErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"count": 42}`))
	}, nil)

	n, err := client.ForUser("u1", validToken()).CountActivities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id": 1, "sport": "cycling", "startTime": "2024-01-05T07:00:00Z", "durationSeconds": 3600}]`))
	}, nil)

	uc := client.ForUser("u1", validToken())
	page, err := uc.ListActivities(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "1", page[0].ID.String())

	assert.True(t, uc.Refreshed())
	assert.Equal(t, "refreshed-token", uc.Token().AccessToken)
	assert.Equal(t, "refresh-2", uc.Token().RefreshToken)
}

func TestUnauthorizedAfterRefreshIsAuthError(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)

	_, err := client.ForUser("u1", validToken()).CountActivities(context.Background())
	assert.True(t, IsAuth(err), "expected auth error, got %v", err)
}

func TestExpiringTokenIsRefreshedProactively(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"count": 1}`))
	}, nil)

	tok := validToken()
	tok.Expiry = time.Now().Add(2 * time.Minute)

	uc := client.ForUser("u1", tok)
	_, err := uc.CountActivities(context.Background())
	require.NoError(t, err)
	assert.True(t, uc.Refreshed())
}

func TestInvalidGrantIsReauthRequired(t *testing.T) {
	status := http.StatusBadRequest
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called without a valid token")
	}, &status)

	tok := validToken()
	tok.Expiry = time.Now().Add(-time.Minute)

	_, err := client.ForUser("u1", tok).CountActivities(context.Background())
	assert.True(t, IsAuth(err), "expected auth error, got %v", err)
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestExchangeCode(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	tok, accountID, err := client.ExchangeCode(context.Background(), "test_code")
	require.NoError(t, err)
	assert.Equal(t, "initial-token", tok.AccessToken)
	assert.Equal(t, "4242", accountID)
}

func TestAuthCodeURL(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	u := client.AuthCodeURL("state-123")
	assert.Contains(t, u, "state=state-123")
	assert.Contains(t, u, "client_id=test_client_id")
}

func TestActivitySummaryLocalDate(t *testing.T) {
	a := ActivitySummary{
		ID:                    "7",
		StartTime:             time.Date(2024, 1, 5, 23, 30, 0, 0, time.UTC),
		TimezoneOffsetSeconds: 3600,
	}
	assert.Equal(t, "2024-01-06", a.LocalDate())
	assert.NoError(t, a.Validate())

	a.StartTime = time.Time{}
	assert.True(t, IsValidation(a.Validate()))
}
