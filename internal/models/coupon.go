package models

import (
	"time"

	"coupon-ledger/internal/apperror"

	"github.com/google/uuid"
)

// DiscountType описывает тип скидки купона.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixedGift  DiscountType = "fixed_gift"
)

// Coupon представляет купон бизнеса.
type Coupon struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	BusinessID     uuid.UUID    `json:"business_id" db:"business_id"`
	Code           string       `json:"code" db:"code"`
	Title          string       `json:"title" db:"title"`
	DiscountType   DiscountType `json:"discount_type" db:"discount_type"`
	DiscountValue  float64      `json:"discount_value" db:"discount_value"`
	ValidFrom      *time.Time   `json:"valid_from,omitempty" db:"valid_from"`
	ValidUntil     *time.Time   `json:"valid_until,omitempty" db:"valid_until"`
	MaxUses        *int         `json:"max_uses,omitempty" db:"max_uses"` // nil = безлимит
	UseCount       int          `json:"use_count" db:"use_count"`
	Active         bool         `json:"active" db:"active"`
	SharingEnabled bool         `json:"sharing_enabled" db:"sharing_enabled"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// CheckReservable возвращает причину, по которой купон нельзя погасить в момент now,
// или пустую строку. Порядок проверок фиксирован: inactive, not_yet_valid, expired, exhausted.
func (c *Coupon) CheckReservable(now time.Time) apperror.Reason {
	switch {
	case !c.Active:
		return apperror.ReasonInactive
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return apperror.ReasonNotYetValid
	case c.ValidUntil != nil && now.After(*c.ValidUntil):
		return apperror.ReasonExpired
	case c.MaxUses != nil && c.UseCount >= *c.MaxUses:
		return apperror.ReasonExhausted
	default:
		return ""
	}
}

// RemainingUses возвращает остаток использований; nil для безлимитного купона.
func (c *Coupon) RemainingUses() *int {
	if c.MaxUses == nil {
		return nil
	}
	left := *c.MaxUses - c.UseCount
	if left < 0 {
		left = 0
	}
	return &left
}

// CreateCouponRequest описывает запрос на создание купона.
type CreateCouponRequest struct {
	Code           string       `json:"code" validate:"required,max=64"`
	Title          string       `json:"title" validate:"max=200"`
	DiscountType   DiscountType `json:"discount_type" validate:"required,oneof=percentage fixed_gift"`
	DiscountValue  float64      `json:"discount_value" validate:"gte=0"`
	ValidFrom      *time.Time   `json:"valid_from,omitempty"`
	ValidUntil     *time.Time   `json:"valid_until,omitempty"`
	MaxUses        *int         `json:"max_uses,omitempty" validate:"omitempty,gte=1"`
	SharingEnabled bool         `json:"sharing_enabled"`
}

// CouponFilter задаёт серверную фильтрацию списка купонов.
type CouponFilter struct {
	BusinessID    *uuid.UUID
	ActiveOnly    bool
	ShareableOnly bool
	Limit         int
	Offset        int
}
