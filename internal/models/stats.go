package models

import (
	"time"

	"github.com/google/uuid"
)

// BusinessStatsFilter задает бизнес и временной интервал статистики.
type BusinessStatsFilter struct {
	BusinessID uuid.UUID
	From       time.Time
	To         time.Time
	TopLimit   int
}

// BusinessStats описывает активность купонов бизнеса за период.
type BusinessStats struct {
	BusinessID         uuid.UUID      `json:"business_id"`
	From               time.Time      `json:"from"`
	To                 time.Time      `json:"to"`
	Committed          int            `json:"committed"`
	Rejected           int            `json:"rejected"`
	DiscountGiven      float64        `json:"discount_given"`
	RejectionsByReason map[string]int `json:"rejections_by_reason"`
	TopCoupons         []CouponUsage  `json:"top_coupons"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// CouponUsage описывает популярный купон за период.
type CouponUsage struct {
	CouponID    uuid.UUID `json:"coupon_id"`
	Code        string    `json:"code"`
	Redemptions int       `json:"redemptions"`
}
