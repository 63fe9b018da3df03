package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AgentDirectory находит купонеадора, подключившего бизнес купона.
type AgentDirectory interface {
	// ReferringAgent возвращает nil, если у бизнеса нет агента.
	ReferringAgent(ctx context.Context, couponID uuid.UUID) (*models.AgentInfo, error)
}

// SQLAgentDirectory ищет агента по цепочке купон → бизнес → агент.
type SQLAgentDirectory struct {
	db *database.DB
}

// NewSQLAgentDirectory создаёт справочник агентов.
func NewSQLAgentDirectory(db *database.DB) *SQLAgentDirectory {
	return &SQLAgentDirectory{db: db}
}

// ReferringAgent возвращает агента и его тариф.
func (d *SQLAgentDirectory) ReferringAgent(ctx context.Context, couponID uuid.UUID) (*models.AgentInfo, error) {
	info := &models.AgentInfo{}
	err := d.db.QueryRowContext(ctx, `
		SELECT a.id, a.plan_tier
		FROM coupons c
		JOIN businesses b ON b.id = c.business_id
		JOIN agents a ON a.id = b.agent_id
		WHERE c.id = $1
	`, couponID).Scan(&info.AgentID, &info.PlanTier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve referring agent: %w", err)
	}
	return info, nil
}

// CommissionLedger начисляет комиссии купонеадорам по событиям погашения.
type CommissionLedger struct {
	db     *database.DB
	agents AgentDirectory
	cfg    config.CommissionConfig
	log    *logger.Logger
	now    func() time.Time
}

// NewCommissionLedger создаёт журнал комиссий.
func NewCommissionLedger(db *database.DB, agents AgentDirectory, cfg config.CommissionConfig, log *logger.Logger) *CommissionLedger {
	return &CommissionLedger{
		db:     db,
		agents: agents,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleRedemptionCommitted обрабатывает событие redemption.committed.
// Повторная доставка не создаёт повторных начислений.
func (l *CommissionLedger) HandleRedemptionCommitted(ctx context.Context, event *models.Event) error {
	var data models.RedemptionCommittedData
	if err := event.Decode(&data); err != nil {
		return err
	}

	agent, err := l.agents.ReferringAgent(ctx, data.CouponID)
	if err != nil {
		return err
	}

	fields := logrus.Fields{
		"redemption_id": data.RedemptionID,
		"coupon_id":     data.CouponID,
	}

	if agent != nil {
		amount := l.cfg.DirectSaleAmount(agent.PlanTier)
		if _, err := l.credit(ctx, l.db, agent.AgentID, data.RedemptionID, models.CommissionDirectSale, amount); err != nil {
			return err
		}
	} else {
		l.log.WithFields(fields).Info("No referring agent, direct commission skipped")
	}

	if data.ShareLinkID == nil {
		return nil
	}

	var viralAgent *uuid.UUID
	switch {
	case data.ShareAgentID != nil:
		viralAgent = data.ShareAgentID
	case agent != nil:
		viralAgent = &agent.AgentID
	}
	if viralAgent == nil {
		l.log.WithFields(fields).Info("No agent for share link, viral commission skipped")
		return nil
	}

	return l.creditViral(ctx, *viralAgent, data.RedemptionID)
}

// credit атомарно вставляет начисление; конфликт по (redemption_id, kind) означает,
// что начисление уже есть.
func (l *CommissionLedger) credit(ctx context.Context, q queryer, agentID, redemptionID uuid.UUID, kind models.CommissionKind, amount float64) (bool, error) {
	result, err := q.ExecContext(ctx, `
		INSERT INTO commission_entries (id, agent_id, redemption_id, kind, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (redemption_id, kind) DO NOTHING
	`, uuid.New(), agentID, redemptionID, string(kind), round2(amount), l.now())
	if err != nil {
		return false, fmt.Errorf("failed to credit %s commission: %w", kind, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	fields := logrus.Fields{
		"agent_id":      agentID,
		"redemption_id": redemptionID,
		"kind":          kind,
		"amount":        round2(amount),
	}
	if rows == 0 {
		l.log.WithFields(fields).Info("Commission already credited")
		return false, nil
	}
	l.log.WithFields(fields).Info("Commission credited")
	return true, nil
}

// creditViral начисляет бонус за шаринг. При заданном дневном лимите проверка
// и вставка выполняются под advisory-блокировкой агента.
func (l *CommissionLedger) creditViral(ctx context.Context, agentID, redemptionID uuid.UUID) error {
	if l.cfg.ViralDailyCap <= 0 {
		_, err := l.credit(ctx, l.db, agentID, redemptionID, models.CommissionViralShare, l.cfg.ViralShareBonus)
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", agentID.String()); err != nil {
		return fmt.Errorf("failed to lock agent: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM commission_entries WHERE redemption_id = $1 AND kind = $2)",
		redemptionID, string(models.CommissionViralShare),
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check viral commission: %w", err)
	}
	if exists {
		return tx.Commit()
	}

	dayStart := l.now().Truncate(24 * time.Hour)
	var today int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM commission_entries
		WHERE agent_id = $1 AND kind = $2 AND created_at >= $3 AND created_at < $4
	`, agentID, string(models.CommissionViralShare), dayStart, dayStart.Add(24*time.Hour)).Scan(&today); err != nil {
		return fmt.Errorf("failed to count viral commissions: %w", err)
	}

	if today >= l.cfg.ViralDailyCap {
		l.log.WithFields(logrus.Fields{
			"agent_id":      agentID,
			"redemption_id": redemptionID,
			"daily_cap":     l.cfg.ViralDailyCap,
		}).Warn("Viral commission daily cap reached, credit skipped")
		return tx.Commit()
	}

	if _, err := l.credit(ctx, tx, agentID, redemptionID, models.CommissionViralShare, l.cfg.ViralShareBonus); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit viral commission: %w", err)
	}
	return nil
}

// TotalFor возвращает сумму всех начислений агента на момент чтения.
func (l *CommissionLedger) TotalFor(ctx context.Context, agentID uuid.UUID) (float64, error) {
	var total float64
	if err := l.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM commission_entries WHERE agent_id = $1", agentID,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum commissions: %w", err)
	}
	return round2(total), nil
}

// Summary возвращает итоги по видам начислений одним запросом.
func (l *CommissionLedger) Summary(ctx context.Context, agentID uuid.UUID) (*models.CommissionSummary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT kind, COALESCE(SUM(amount), 0), COUNT(*)
		FROM commission_entries
		WHERE agent_id = $1
		GROUP BY kind
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize commissions: %w", err)
	}
	defer rows.Close()

	summary := &models.CommissionSummary{AgentID: agentID}
	for rows.Next() {
		var (
			kind   string
			amount float64
			count  int
		)
		if err := rows.Scan(&kind, &amount, &count); err != nil {
			return nil, fmt.Errorf("failed to scan commission summary: %w", err)
		}
		switch models.CommissionKind(kind) {
		case models.CommissionDirectSale:
			summary.DirectSale = round2(amount)
		case models.CommissionViralShare:
			summary.ViralShare = round2(amount)
		}
		summary.Total += amount
		summary.Entries += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commission summary: %w", err)
	}
	summary.Total = round2(summary.Total)
	return summary, nil
}

// ListEntries возвращает начисления агента, новые первыми.
func (l *CommissionLedger) ListEntries(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.CommissionEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, agent_id, redemption_id, kind, amount, created_at
		FROM commission_entries
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	defer rows.Close()

	var entries []*models.CommissionEntry
	for rows.Next() {
		e := &models.CommissionEntry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.RedemptionID, &kind, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan commission entry: %w", err)
		}
		e.Kind = models.CommissionKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commissions: %w", err)
	}
	return entries, nil
}
