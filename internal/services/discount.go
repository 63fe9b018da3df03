package services

import (
	"math"

	"coupon-ledger/internal/models"
)

// calculateDiscount считает скидку купона для суммы заказа.
// Процент ограничен 100, подарок фиксированной суммы не больше заказа.
func calculateDiscount(coupon *models.Coupon, orderAmount *float64) float64 {
	if coupon == nil || orderAmount == nil || *orderAmount <= 0 {
		return 0
	}
	base := *orderAmount

	switch coupon.DiscountType {
	case models.DiscountTypePercentage:
		pct := coupon.DiscountValue
		if pct <= 0 {
			return 0
		}
		if pct > 100 {
			pct = 100
		}
		return round2(base * pct / 100.0)
	case models.DiscountTypeFixedGift:
		if coupon.DiscountValue < 0 {
			return 0
		}
		if coupon.DiscountValue > base {
			return round2(base)
		}
		return round2(coupon.DiscountValue)
	default:
		return 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
