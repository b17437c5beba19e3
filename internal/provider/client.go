package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"wearable-sync/internal/metrics"
)

const (
	maxAttempts  = 3
	initialDelay = 1 * time.Second
	maxDelay     = 30 * time.Second
	tokenBuffer  = 5 * time.Minute // Refresh tokens 5 minutes before expiry
	maxBodyBytes = 32 << 20
)

// Throttle gates every outbound request
type Throttle interface {
	Wait(ctx context.Context, userID string) error
}

// Config holds the provider endpoints and OAuth client credentials
type Config struct {
	BaseURL      string
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
}

// Client is a health-data provider API client shared by all users
type Client struct {
	httpClient  *http.Client
	baseURL     string
	oauth       *oauth2.Config
	throttle    Throttle
	rateLimiter *RateLimiter
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient creates a provider client. throttle may be nil.
func NewClient(cfg Config, throttle Throttle) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		throttle:    throttle,
		rateLimiter: NewRateLimiter(),
		logger:      slog.Default(),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RateLimiter exposes the budget reported by the provider
func (c *Client) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

// AuthCodeURL returns the provider consent URL for the given CSRF state
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode exchanges an authorization code for a token. The provider
// account id is read from the token response's account_id field.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, string, error) {
	start := time.Now()
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	status := statusLabel(err)
	metrics.ProviderRequestsTotal.WithLabelValues(metrics.OpExchangeCode, status).Inc()
	metrics.ProviderRequestDuration.WithLabelValues(metrics.OpExchangeCode, status).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Error("token exchange failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, "", classifyTokenError("code exchange", err)
	}

	c.logger.Info("token_exchange", "duration_ms", time.Since(start).Milliseconds())

	var accountID string
	switch v := tok.Extra("account_id").(type) {
	case string:
		accountID = v
	case float64:
		accountID = strconv.FormatInt(int64(v), 10)
	}
	if accountID == "" {
		return nil, "", &ValidationError{What: "token response", Err: errors.New("missing account_id")}
	}

	return tok, accountID, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// refreshToken exchanges a refresh token for a new token
func (c *Client) refreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	start := time.Now()
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	status := statusLabel(err)
	metrics.ProviderRequestsTotal.WithLabelValues(metrics.OpRefreshToken, status).Inc()
	metrics.ProviderRequestDuration.WithLabelValues(metrics.OpRefreshToken, status).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Error("token refresh failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, classifyTokenError("token refresh", err)
	}

	c.logger.Info("token_refresh", "duration_ms", time.Since(start).Milliseconds())
	return tok, nil
}

// classifyTokenError maps token endpoint failures onto the error taxonomy.
// A rejected grant means the session is gone for good.
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		switch {
		case retrieveErr.ErrorCode == "invalid_grant" || code == http.StatusUnauthorized || code == http.StatusBadRequest:
			return &AuthError{Reason: op + " rejected", Err: ErrReauthRequired}
		case code == http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: parseRetryAfter(retrieveErr.Response.Header, time.Now())}
		case code >= 500:
			return &TransientNetworkError{Op: op, Err: err}
		}
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return &TransientNetworkError{Op: op, Err: err}
}

func statusLabel(err error) string {
	if err == nil {
		return "200"
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return strconv.Itoa(retrieveErr.Response.StatusCode)
	}
	return "error"
}

// ForUser returns a client bound to one user's session
func (c *Client) ForUser(userID string, tok *oauth2.Token) *UserClient {
	return &UserClient{client: c, userID: userID, token: tok}
}

// UserClient performs requests on behalf of one user. It refreshes the access
// token when needed and remembers that it did, so the caller can persist the
// new token together with the data it fetched.
type UserClient struct {
	client    *Client
	userID    string
	mu        sync.Mutex
	token     *oauth2.Token
	refreshed bool
}

// Token returns the current token, which may have been refreshed
func (u *UserClient) Token() *oauth2.Token {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.token
}

// Refreshed reports whether the token changed since ForUser
func (u *UserClient) Refreshed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refreshed
}

// accessToken returns a usable access token, refreshing it first when it
// expires within tokenBuffer or when force is set
func (u *UserClient) accessToken(ctx context.Context, force bool) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.token == nil {
		return "", &AuthError{Reason: "no session", Err: ErrReauthRequired}
	}

	expiring := !u.token.Expiry.IsZero() && !u.client.now().Add(tokenBuffer).Before(u.token.Expiry)
	if !force && !expiring && u.token.AccessToken != "" {
		return u.token.AccessToken, nil
	}
	if u.token.RefreshToken == "" {
		return "", &AuthError{Reason: "session has no refresh token", Err: ErrReauthRequired}
	}

	u.client.logger.Info("refreshing token", "user_id", u.userID, "forced", force)
	tok, err := u.client.refreshToken(ctx, u.token.RefreshToken)
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = u.token.RefreshToken
	}
	u.token = tok
	u.refreshed = true
	return tok.AccessToken, nil
}

// doRequest performs a GET with token refresh, throttling and bounded retries.
// 204/404 become DataGapError, 429 RateLimitError, exhausted 5xx/network
// failures TransientNetworkError.
func (u *UserClient) doRequest(ctx context.Context, op, path string) ([]byte, error) {
	c := u.client
	var lastErr error
	authRetried := false
	delay := initialDelay

	for attempt := 1; ; {
		if c.throttle != nil {
			waitStart := time.Now()
			if err := c.throttle.Wait(ctx, u.userID); err != nil {
				return nil, fmt.Errorf("throttle wait: %w", err)
			}
			metrics.ThrottleWaitDuration.Observe(time.Since(waitStart).Seconds())
		}

		accessToken, err := u.accessToken(ctx, false)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)

		var body []byte
		status := 0
		if err == nil {
			status = resp.StatusCode
			c.rateLimiter.parseHeaders(resp.Header)
			body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			resp.Body.Close()
		}

		statusStr := "error"
		if status != 0 {
			statusStr = strconv.Itoa(status)
		}
		metrics.ProviderRequestsTotal.WithLabelValues(op, statusStr).Inc()
		metrics.ProviderRequestDuration.WithLabelValues(op, statusStr).Observe(duration.Seconds())
		c.logger.Debug("provider_api_request", "op", op, "path", path, "status", status, "duration_ms", duration.Milliseconds(), "user_id", u.userID, "attempt", attempt)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusNoContent || status == http.StatusNotFound:
			return nil, &DataGapError{What: path}
		case status == http.StatusTooManyRequests:
			rl := c.rateLimiter.Status()
			remaining15, remainingDaily := rl.Remaining15Min(), rl.RemainingDaily()
			return nil, &RateLimitError{
				RetryAfter:     parseRetryAfter(resp.Header, c.now()),
				Remaining15Min: &remaining15,
				RemainingDaily: &remainingDaily,
			}
		case status == http.StatusUnauthorized:
			if authRetried {
				return nil, &AuthError{Reason: "unauthorized after token refresh", Err: ErrReauthRequired}
			}
			authRetried = true
			if _, err := u.accessToken(ctx, true); err != nil {
				return nil, err
			}
			continue
		case status == http.StatusForbidden:
			return nil, &AuthError{Reason: "forbidden", Err: ErrReauthRequired}
		case status >= 500:
			lastErr = fmt.Errorf("server error (%d)", status)
		default:
			return nil, &ValidationError{What: path, Err: fmt.Errorf("status %d: %s", status, truncate(body, 200))}
		}

		if attempt >= maxAttempts {
			return nil, &TransientNetworkError{Op: op, Err: fmt.Errorf("max retries exceeded: %w", lastErr)}
		}
		attempt++

		// Half the delay plus up to half again, in [delay/2, delay]
		wait := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
		c.logger.Info("retrying request", "op", op, "attempt", attempt, "delay_ms", wait.Milliseconds(), "user_id", u.userID)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay = min(delay*2, maxDelay)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
