package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/services"

	"github.com/google/uuid"
)

// stubLimiter разрешает первые allow запросов.
type stubLimiter struct {
	allow    int64
	limit    int64
	disabled bool
	err      error
	usageErr error
	keys     []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (*services.RateDecision, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.keys = append(s.keys, key)
	used := int64(len(s.keys))
	remaining := s.allow - used
	if remaining < 0 {
		remaining = 0
	}
	return &services.RateDecision{
		Allowed:   used <= s.allow,
		Limit:     s.limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(30 * time.Second),
	}, nil
}

func (s *stubLimiter) Enabled() bool { return !s.disabled }
func (s *stubLimiter) Limit() int64  { return s.limit }

func (s *stubLimiter) Usage(_ context.Context, _ string) (*services.RateUsage, error) {
	if s.usageErr != nil {
		return nil, s.usageErr
	}
	reset := time.Now().Add(time.Minute)
	return &services.RateUsage{Used: 1, Limit: s.limit, Remaining: s.limit - 1, ResetAt: &reset}, nil
}

func countingHandler(calls *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	}
}

func TestRateLimitMiddleware_BlocksAfterLimit(t *testing.T) {
	limiter := &stubLimiter{allow: 1, limit: 1}
	calls := 0
	wrapped := RateLimitMiddleware(limiter, newTestLogger(), countingHandler(&calls))

	req := httptest.NewRequest(http.MethodPost, "/api/redemptions", nil)
	req.RemoteAddr = "1.2.3.4:1234"

	first := httptest.NewRecorder()
	wrapped(first, req)
	if first.Code != http.StatusOK || calls != 1 {
		t.Fatalf("first request: expected 200 and 1 call, got %d and %d", first.Code, calls)
	}
	if first.Header().Get("Retry-After") != "" {
		t.Error("Retry-After must be set only on 429")
	}

	second := httptest.NewRecorder()
	wrapped(second, req)
	if second.Code != http.StatusTooManyRequests || calls != 1 {
		t.Fatalf("second request: expected 429 and 1 call, got %d and %d", second.Code, calls)
	}
	if second.Header().Get("X-RateLimit-Limit") != "1" || second.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected rate headers: %v", second.Header())
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 429")
	}
}

func TestRateLimitMiddleware_KeysByUser(t *testing.T) {
	limiter := &stubLimiter{allow: 5, limit: 5}
	wrapped := RateLimitMiddleware(limiter, newTestLogger(), func(w http.ResponseWriter, r *http.Request) {})

	userID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/redemptions", nil)
	req.Header.Set(headerUserID, userID.String())
	wrapped(httptest.NewRecorder(), req)

	anon := httptest.NewRequest(http.MethodPost, "/api/redemptions", nil)
	anon.RemoteAddr = "10.0.0.1:5555"
	wrapped(httptest.NewRecorder(), anon)

	if len(limiter.keys) != 2 || limiter.keys[0] != "user-"+userID.String() || limiter.keys[1] != "ip-10.0.0.1" {
		t.Fatalf("unexpected limiter keys: %v", limiter.keys)
	}
}

func TestRateLimitMiddleware_NestedRedeemBucketWins(t *testing.T) {
	api := &stubLimiter{allow: 100, limit: 100}
	redeem := &stubLimiter{allow: 1, limit: 1}
	calls := 0
	log := newTestLogger()
	wrapped := RateLimitMiddleware(api, log, RateLimitMiddleware(redeem, log, countingHandler(&calls)))

	req := httptest.NewRequest(http.MethodPost, "/api/redemptions", nil)
	req.Header.Set(headerUserID, uuid.NewString())

	wrapped(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	wrapped(rr, req)

	if rr.Code != http.StatusTooManyRequests || calls != 1 {
		t.Fatalf("expected redeem bucket to block, got %d with %d calls", rr.Code, calls)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("expected inner bucket headers, got limit %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if len(api.keys) != 2 {
		t.Errorf("outer bucket must count both requests, got %d", len(api.keys))
	}
}

func TestRateLimitMiddleware_DisabledOrNilSkips(t *testing.T) {
	limiters := map[string]MiddlewareLimiter{
		"nil":      nil,
		"disabled": &stubLimiter{disabled: true},
	}
	for name, limiter := range limiters {
		t.Run(name, func(t *testing.T) {
			calls := 0
			rr := httptest.NewRecorder()
			RateLimitMiddleware(limiter, newTestLogger(), countingHandler(&calls))(rr, httptest.NewRequest(http.MethodGet, "/api/coupons", nil))
			if calls != 1 || rr.Code != http.StatusOK {
				t.Fatalf("expected pass-through, got %d with %d calls", rr.Code, calls)
			}
			if rr.Header().Get("X-RateLimit-Limit") != "" {
				t.Error("no rate headers expected when limiting is off")
			}
		})
	}
}

func TestRateLimitMiddleware_Error(t *testing.T) {
	limiter := &stubLimiter{limit: 1, err: errors.New("redis down")}
	calls := 0
	rr := httptest.NewRecorder()
	RateLimitMiddleware(limiter, newTestLogger(), countingHandler(&calls))(rr, httptest.NewRequest(http.MethodGet, "/api/coupons", nil))

	if rr.Code != http.StatusInternalServerError || calls != 0 {
		t.Fatalf("expected 500 without calling next, got %d with %d calls", rr.Code, calls)
	}
}

func TestRateLimitStatus_Scopes(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, Requests: 10, WindowSeconds: 60}
	handler := NewRateLimitHandler(newTestLogger(), cfg).
		WithScope("api", &stubLimiter{limit: 10}).
		WithScope("redeem", &stubLimiter{limit: 3}).
		WithScope("off", &stubLimiter{limit: 1, disabled: true})

	req := httptest.NewRequest(http.MethodGet, "/api/rate-limit/status", nil)
	req.RemoteAddr = "10.0.0.2:4000"
	rr := httptest.NewRecorder()
	handler.Status(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body RateLimitStatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Enabled || body.Key != "ip-10.0.0.2" || body.WindowSeconds != 60 {
		t.Fatalf("unexpected status: %+v", body)
	}
	if len(body.Scopes) != 2 {
		t.Fatalf("expected api and redeem scopes, got %v", body.Scopes)
	}
	if body.Scopes["api"].Remaining != 9 || body.Scopes["redeem"].Remaining != 2 {
		t.Errorf("unexpected remaining: %+v", body.Scopes)
	}
	if body.Scopes["redeem"].ResetAt == nil {
		t.Error("expected reset_at for redeem scope")
	}
}

func TestRateLimitStatus_Disabled(t *testing.T) {
	handler := NewRateLimitHandler(newTestLogger(), &config.RateLimitConfig{Enabled: false}).
		WithScope("api", &stubLimiter{limit: 10})

	rr := httptest.NewRecorder()
	handler.Status(rr, httptest.NewRequest(http.MethodGet, "/api/rate-limit/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body RateLimitStatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Enabled || len(body.Scopes) != 0 {
		t.Fatalf("expected disabled status, got %+v", body)
	}
}

func TestRateLimitStatus_UsageError(t *testing.T) {
	handler := NewRateLimitHandler(newTestLogger(), &config.RateLimitConfig{Enabled: true}).
		WithScope("api", &stubLimiter{limit: 5, usageErr: errors.New("usage error")})

	rr := httptest.NewRecorder()
	handler.Status(rr, httptest.NewRequest(http.MethodGet, "/api/rate-limit/status", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestRateLimitStatus_MethodNotAllowed(t *testing.T) {
	handler := NewRateLimitHandler(newTestLogger(), &config.RateLimitConfig{Enabled: true})
	rr := httptest.NewRecorder()
	handler.Status(rr, httptest.NewRequest(http.MethodPost, "/api/rate-limit/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	if got := retryAfterSeconds(time.Time{}); got != 1 {
		t.Errorf("zero reset: expected 1, got %d", got)
	}
	if got := retryAfterSeconds(time.Now().Add(-time.Minute)); got != 1 {
		t.Errorf("past reset: expected 1, got %d", got)
	}
	if got := retryAfterSeconds(time.Now().Add(45 * time.Second)); got < 43 || got > 45 {
		t.Errorf("expected about 45 seconds, got %d", got)
	}
}
