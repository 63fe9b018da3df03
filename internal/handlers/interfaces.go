package handlers

import (
	"context"
	"time"

	"coupon-ledger/internal/models"
	"coupon-ledger/internal/services"

	"github.com/google/uuid"
)

// ----- Coupons -----

type CouponService interface {
	CreateCoupon(ctx context.Context, businessID uuid.UUID, req *models.CreateCouponRequest) (*models.Coupon, error)
	GetCoupon(ctx context.Context, id uuid.UUID) (*models.Coupon, error)
	ListCoupons(ctx context.Context, filter models.CouponFilter) ([]*models.Coupon, error)
	DeactivateCoupon(ctx context.Context, businessID, id uuid.UUID) error
}

type ShareLinkService interface {
	CreateShareLink(ctx context.Context, couponID, sharedBy uuid.UUID, now time.Time) (*models.ShareLink, error)
	GetShareLink(ctx context.Context, id uuid.UUID) (*models.ShareLink, error)
}

// ----- Redemptions -----

type RedemptionService interface {
	Redeem(ctx context.Context, cmd *models.RedeemCommand) (*models.RedemptionResult, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.RedemptionAttempt, error)
	ListAttempts(ctx context.Context, filter models.RedemptionFilter) ([]*models.RedemptionAttempt, error)
}

// ----- Commissions -----

type CommissionReader interface {
	TotalFor(ctx context.Context, agentID uuid.UUID) (float64, error)
	Summary(ctx context.Context, agentID uuid.UUID) (*models.CommissionSummary, error)
	ListEntries(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.CommissionEntry, error)
}

// ----- Stats -----

type StatsProvider interface {
	BusinessStats(ctx context.Context, filter *models.BusinessStatsFilter) (*models.BusinessStats, error)
}

// ----- Rate limit -----

// MiddlewareLimiter описывает контракт для rate limiter.
type MiddlewareLimiter interface {
	Allow(ctx context.Context, key string) (*services.RateDecision, error)
	Enabled() bool
	Limit() int64
}

// RateLimitStatusProvider расширяет интерфейс для эндпоинта статуса.
type RateLimitStatusProvider interface {
	MiddlewareLimiter
	Usage(ctx context.Context, key string) (*services.RateUsage, error)
}

// ----- Health -----

type DBHealth interface {
	Health() error
}

type RedisHealth interface {
	Health(ctx context.Context) error
}

// OutboxBacklog сообщает, сколько событий ждут публикации.
type OutboxBacklog interface {
	Pending(ctx context.Context) (int, error)
}
