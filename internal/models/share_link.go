package models

import (
	"time"

	"github.com/google/uuid"
)

// ShareLink: ссылка, которой держатель купона делится с третьим лицом.
type ShareLink struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	CouponID   uuid.UUID  `json:"coupon_id" db:"coupon_id"`
	AgentID    *uuid.UUID `json:"agent_id,omitempty" db:"agent_id"`
	SharedBy   uuid.UUID  `json:"shared_by" db:"shared_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	ConsumedBy *uuid.UUID `json:"consumed_by,omitempty" db:"consumed_by"`
}

// Usable сообщает, можно ли погасить купон по ссылке в момент now.
func (l *ShareLink) Usable(now time.Time) bool {
	return l.ConsumedAt == nil && now.Before(l.ExpiresAt)
}
