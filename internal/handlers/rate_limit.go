package handlers

import (
	"net/http"
	"strconv"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/services"
)

// RateLimitHandler отдаёт состояние лимитов клиента по всем корзинам.
type RateLimitHandler struct {
	scopes []rateScope
	log    *logger.Logger
	cfg    *config.RateLimitConfig
}

type rateScope struct {
	name    string
	limiter RateLimitStatusProvider
}

// RateScopeStatus: состояние одной корзины.
type RateScopeStatus struct {
	Limit     int64      `json:"limit"`
	Used      int64      `json:"used"`
	Remaining int64      `json:"remaining"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// RateLimitStatusResponse: ответ GET /api/rate-limit/status.
type RateLimitStatusResponse struct {
	Enabled       bool                       `json:"enabled"`
	Key           string                     `json:"key,omitempty"`
	WindowSeconds int                        `json:"window_seconds,omitempty"`
	Scopes        map[string]RateScopeStatus `json:"scopes,omitempty"`
}

// NewRateLimitHandler создает обработчик статуса лимитов. Корзины добавляются через WithScope.
func NewRateLimitHandler(log *logger.Logger, cfg *config.RateLimitConfig) *RateLimitHandler {
	return &RateLimitHandler{log: log, cfg: cfg}
}

// WithScope регистрирует корзину под именем name.
func (h *RateLimitHandler) WithScope(name string, limiter RateLimitStatusProvider) *RateLimitHandler {
	if limiter != nil {
		h.scopes = append(h.scopes, rateScope{name: name, limiter: limiter})
	}
	return h
}

// Status возвращает использование каждой включённой корзины, не расходуя лимит.
func (h *RateLimitHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := RateLimitStatusResponse{}
	if h.cfg == nil || !h.cfg.Enabled {
		writeJSONResponse(w, http.StatusOK, resp)
		return
	}

	key := services.ClientKey(r)
	for _, scope := range h.scopes {
		if !scope.limiter.Enabled() {
			continue
		}
		usage, err := scope.limiter.Usage(r.Context(), key)
		if err != nil {
			h.log.WithError(err).WithField("scope", scope.name).Error("Failed to fetch rate limit usage")
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to fetch rate limit usage")
			return
		}
		if resp.Scopes == nil {
			resp.Scopes = make(map[string]RateScopeStatus)
		}
		resp.Scopes[scope.name] = RateScopeStatus{
			Limit:     usage.Limit,
			Used:      usage.Used,
			Remaining: usage.Remaining,
			ResetAt:   usage.ResetAt,
		}
	}

	if len(resp.Scopes) > 0 {
		resp.Enabled = true
		resp.Key = key
		resp.WindowSeconds = h.cfg.WindowSeconds
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// RateLimitMiddleware расходует лимит клиента перед вызовом next.
// При вложении middleware заголовки X-RateLimit-* отражает внутренняя корзина.
func RateLimitMiddleware(limiter MiddlewareLimiter, log *logger.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil || !limiter.Enabled() {
			next(w, r)
			return
		}

		key := services.ClientKey(r)
		decision, err := limiter.Allow(r.Context(), key)
		if err != nil {
			log.WithError(err).WithField("key", key).Error("Rate limiter failed")
			writeErrorResponse(w, http.StatusInternalServerError, "Rate limiter error")
			return
		}

		setRateHeaders(w, limiter.Limit(), decision)
		if !decision.Allowed {
			log.WithField("key", key).Warn("Rate limit exceeded")
			writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next(w, r)
	}
}

func setRateHeaders(w http.ResponseWriter, limit int64, decision *services.RateDecision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if !decision.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
	if !decision.Allowed {
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.ResetAt)))
	}
}

func retryAfterSeconds(resetAt time.Time) int {
	if resetAt.IsZero() {
		return 1
	}
	if secs := int(time.Until(resetAt).Seconds()); secs > 1 {
		return secs
	}
	return 1
}
