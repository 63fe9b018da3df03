package models

import (
	"fmt"
	"time"

	"coupon-ledger/internal/apperror"

	"github.com/google/uuid"
)

// RedemptionOutcome представляет состояние попытки погашения
type RedemptionOutcome string

const (
	RedemptionPending   RedemptionOutcome = "pending"
	RedemptionCommitted RedemptionOutcome = "committed"
	RedemptionRejected  RedemptionOutcome = "rejected"
)

// RedemptionAttempt: неизменяемая запись аудита о попытке погашения.
type RedemptionAttempt struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	CouponID         *uuid.UUID        `json:"coupon_id,omitempty" db:"coupon_id"`
	CouponCode       string            `json:"coupon_code" db:"coupon_code"`
	BusinessID       *uuid.UUID        `json:"business_id,omitempty" db:"business_id"`
	RedeemerID       uuid.UUID         `json:"redeemer_id" db:"redeemer_id"`
	ShareLinkID      *uuid.UUID        `json:"share_link_id,omitempty" db:"share_link_id"`
	IdempotencyToken *string           `json:"-" db:"idempotency_token"`
	Outcome          RedemptionOutcome `json:"outcome" db:"outcome"`
	RejectionReason  apperror.Reason   `json:"rejection_reason,omitempty" db:"rejection_reason"`
	OrderAmount      *float64          `json:"order_amount,omitempty" db:"order_amount"`
	DiscountAmount   float64           `json:"discount_amount" db:"discount_amount"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

// Commit переводит попытку из pending в committed.
func (a *RedemptionAttempt) Commit() error {
	if a.Outcome != RedemptionPending {
		return fmt.Errorf("redemption attempt %s is already %s", a.ID, a.Outcome)
	}
	a.Outcome = RedemptionCommitted
	a.RejectionReason = ""
	return nil
}

// Reject переводит попытку из pending в rejected с причиной.
func (a *RedemptionAttempt) Reject(reason apperror.Reason) error {
	if a.Outcome != RedemptionPending {
		return fmt.Errorf("redemption attempt %s is already %s", a.ID, a.Outcome)
	}
	a.Outcome = RedemptionRejected
	a.RejectionReason = reason
	a.DiscountAmount = 0
	return nil
}

// Result формирует ответ клиенту по завершённой попытке.
func (a *RedemptionAttempt) Result() *RedemptionResult {
	res := &RedemptionResult{
		AttemptID:      a.ID,
		CouponID:       a.CouponID,
		CouponCode:     a.CouponCode,
		Outcome:        a.Outcome,
		Reason:         a.RejectionReason,
		DiscountAmount: a.DiscountAmount,
		ShareLinkID:    a.ShareLinkID,
		ProcessedAt:    a.CreatedAt,
	}
	if a.RejectionReason != "" {
		res.Message = a.RejectionReason.Message()
	}
	return res
}

// RedeemRequest представляет HTTP-запрос на погашение купона
type RedeemRequest struct {
	CouponCode  string     `json:"coupon_code" validate:"required,max=64"`
	ShareLinkID *uuid.UUID `json:"share_link_id,omitempty"`
	OrderAmount *float64   `json:"order_amount,omitempty" validate:"omitempty,gte=0"`
}

// RedeemCommand: входные данные одной попытки погашения.
type RedeemCommand struct {
	CouponCode       string
	RedeemerID       uuid.UUID
	ShareLinkID      *uuid.UUID
	IdempotencyToken string
	OrderAmount      *float64
	Now              time.Time // нулевое значение = текущее время
}

// RedemptionResult: терминальный результат погашения.
type RedemptionResult struct {
	AttemptID      uuid.UUID         `json:"attempt_id"`
	CouponID       *uuid.UUID        `json:"coupon_id,omitempty"`
	CouponCode     string            `json:"coupon_code"`
	Outcome        RedemptionOutcome `json:"outcome"`
	Reason         apperror.Reason   `json:"reason,omitempty"`
	Message        string            `json:"message,omitempty"`
	DiscountAmount float64           `json:"discount_amount"`
	ShareLinkID    *uuid.UUID        `json:"share_link_id,omitempty"`
	ProcessedAt    time.Time         `json:"processed_at"`
	Replayed       bool              `json:"-"` // ответ восстановлен по ключу идемпотентности
}

// Committed сообщает об успешном погашении.
func (r *RedemptionResult) Committed() bool {
	return r != nil && r.Outcome == RedemptionCommitted
}

// RedemptionFilter задаёт фильтр списка попыток
type RedemptionFilter struct {
	CouponID   *uuid.UUID
	RedeemerID *uuid.UUID
	Limit      int
	Offset     int
}
