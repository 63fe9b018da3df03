package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/redis"

	"github.com/google/uuid"
)

// RateLimiter ограничивает число запросов клиента в фиксированном окне.
// Клиент определяется пользователем из заголовка идентификации или IP.
type RateLimiter struct {
	redis   rateRedis
	log     *logger.Logger
	enabled bool
	limit   int64
	window  time.Duration
	prefix  string
}

type rateRedis interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowUsage(ctx context.Context, key string) (int64, time.Duration, error)
}

// RateDecision: результат проверки лимита.
type RateDecision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RateUsage: текущее состояние окна клиента.
type RateUsage struct {
	Used      int64      `json:"used"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// NewRateLimiter создаёт rate limiter.
func NewRateLimiter(redisClient *redis.Client, log *logger.Logger, cfg *config.RateLimitConfig) *RateLimiter {
	if redisClient == nil || cfg == nil || !cfg.Enabled || cfg.Requests <= 0 || cfg.WindowSeconds <= 0 {
		return &RateLimiter{enabled: false}
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &RateLimiter{
		redis:   redisClient,
		log:     log,
		enabled: true,
		limit:   int64(cfg.Requests),
		window:  time.Duration(cfg.WindowSeconds) * time.Second,
		prefix:  prefix,
	}
}

// Allow учитывает запрос клиента и сообщает, укладывается ли он в лимит.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateDecision, error) {
	if !r.enabled {
		return &RateDecision{Allowed: true, Limit: r.limit, Remaining: r.limit, ResetAt: time.Now().Add(r.window)}, nil
	}

	count, left, err := r.redis.IncrWindow(ctx, r.makeKey(key), r.window)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if count == r.limit+1 {
		r.log.WithField("key", key).WithField("limit", r.limit).Info("Rate limit window exhausted")
	}

	return &RateDecision{
		Allowed:   count <= r.limit,
		Limit:     r.limit,
		Remaining: clampRemaining(r.limit - count),
		ResetAt:   time.Now().Add(r.windowLeft(left)),
	}, nil
}

// Usage возвращает состояние окна, не расходуя лимит.
func (r *RateLimiter) Usage(ctx context.Context, key string) (*RateUsage, error) {
	usage := &RateUsage{Limit: r.limit, Remaining: r.limit}
	if !r.enabled {
		return usage, nil
	}

	count, left, err := r.redis.WindowUsage(ctx, r.makeKey(key))
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return usage, nil
		}
		return nil, fmt.Errorf("rate limiter usage: %w", err)
	}

	resetAt := time.Now().Add(r.windowLeft(left))
	usage.Used = count
	usage.Remaining = clampRemaining(r.limit - count)
	usage.ResetAt = &resetAt
	return usage, nil
}

// windowLeft подставляет полное окно, если Redis не вернул TTL.
func (r *RateLimiter) windowLeft(left time.Duration) time.Duration {
	if left <= 0 {
		return r.window
	}
	return left
}

func (r *RateLimiter) makeKey(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, strings.ReplaceAll(key, ":", "_"))
}

// Limit возвращает лимит окна.
func (r *RateLimiter) Limit() int64 {
	return r.limit
}

// Enabled сообщает, включён ли rate limiting.
func (r *RateLimiter) Enabled() bool {
	return r.enabled
}

func clampRemaining(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// ClientKey возвращает ключ лимита: пользователь, если он идентифицирован, иначе IP.
func ClientKey(r *http.Request) string {
	if id, err := uuid.Parse(strings.TrimSpace(r.Header.Get("X-User-ID"))); err == nil {
		return "user-" + id.String()
	}
	return "ip-" + ExtractClientIP(r)
}

// ExtractClientIP получает IP из заголовков/RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
