package models

import (
	"time"

	"github.com/google/uuid"
)

// CommissionKind описывает тип начисления купонеадору.
type CommissionKind string

const (
	CommissionDirectSale CommissionKind = "direct_sale"
	CommissionViralShare CommissionKind = "viral_share"
)

// CommissionEntry: неизменяемое начисление комиссии.
type CommissionEntry struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	AgentID      uuid.UUID      `json:"agent_id" db:"agent_id"`
	RedemptionID uuid.UUID      `json:"redemption_id" db:"redemption_id"`
	Kind         CommissionKind `json:"kind" db:"kind"`
	Amount       float64        `json:"amount" db:"amount"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// CommissionSummary агрегирует начисления агента на момент чтения.
type CommissionSummary struct {
	AgentID    uuid.UUID `json:"agent_id"`
	Total      float64   `json:"total"`
	DirectSale float64   `json:"direct_sale"`
	ViralShare float64   `json:"viral_share"`
	Entries    int       `json:"entries"`
}

// AgentInfo: купонеадор, подключивший бизнес, и его тариф.
type AgentInfo struct {
	AgentID  uuid.UUID `json:"agent_id"`
	PlanTier string    `json:"plan_tier"`
}
