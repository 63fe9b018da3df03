package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ShareLinkService выдаёт и погашает ссылки "поделиться".
type ShareLinkService struct {
	db  *database.DB
	log *logger.Logger
	ttl time.Duration
}

// NewShareLinkService создаёт сервис ссылок.
func NewShareLinkService(db *database.DB, log *logger.Logger, ttl time.Duration) *ShareLinkService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ShareLinkService{
		db:  db,
		log: log,
		ttl: ttl,
	}
}

// CreateShareLink создаёт ссылку для активного купона с включённым шарингом.
// Агент ссылки наследуется от бизнеса купона.
func (s *ShareLinkService) CreateShareLink(ctx context.Context, couponID, sharedBy uuid.UUID, now time.Time) (*models.ShareLink, error) {
	var (
		active         bool
		sharingEnabled bool
		agentID        *uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.active, c.sharing_enabled, b.agent_id
		FROM coupons c
		JOIN businesses b ON b.id = c.business_id
		WHERE c.id = $1
	`, couponID).Scan(&active, &sharingEnabled, &agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Rejected(apperror.ReasonCouponNotFound)
		}
		return nil, fmt.Errorf("failed to load coupon for sharing: %w", err)
	}
	if !active {
		return nil, apperror.Rejected(apperror.ReasonInactive)
	}
	if !sharingEnabled {
		return nil, apperror.Conflict("sharing is disabled for this coupon", nil)
	}

	link := &models.ShareLink{
		ID:        uuid.New(),
		CouponID:  couponID,
		AgentID:   agentID,
		SharedBy:  sharedBy,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, coupon_id, agent_id, shared_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, link.ID, link.CouponID, link.AgentID, link.SharedBy, link.CreatedAt, link.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create share link: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"share_link_id": link.ID,
		"coupon_id":     couponID,
		"expires_at":    link.ExpiresAt,
	}).Info("Share link created")

	return link, nil
}

// GetShareLink возвращает ссылку по ID.
func (s *ShareLinkService) GetShareLink(ctx context.Context, id uuid.UUID) (*models.ShareLink, error) {
	link := &models.ShareLink{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, coupon_id, agent_id, shared_by, created_at, expires_at, consumed_at, consumed_by
		FROM share_links
		WHERE id = $1
	`, id).Scan(&link.ID, &link.CouponID, &link.AgentID, &link.SharedBy, &link.CreatedAt, &link.ExpiresAt, &link.ConsumedAt, &link.ConsumedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("share link not found", err)
		}
		return nil, fmt.Errorf("failed to get share link: %w", err)
	}
	return link, nil
}

// ConsumeWithTx помечает ссылку использованной, если она принадлежит купону,
// ещё не использована и не истекла. Возвращает агента ссылки.
func (s *ShareLinkService) ConsumeWithTx(ctx context.Context, tx *sql.Tx, linkID, couponID, consumedBy uuid.UUID, now time.Time) (*uuid.UUID, error) {
	var agentID *uuid.UUID
	err := tx.QueryRowContext(ctx, `
		UPDATE share_links
		SET consumed_at = $4, consumed_by = $3
		WHERE id = $1 AND coupon_id = $2 AND consumed_at IS NULL AND $4 < expires_at
		RETURNING agent_id
	`, linkID, couponID, consumedBy, now).Scan(&agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.WithFields(logrus.Fields{
				"share_link_id": linkID,
				"coupon_id":     couponID,
			}).Debug("Share link is not usable")
			return nil, apperror.Rejected(apperror.ReasonInvalidShareLink)
		}
		return nil, fmt.Errorf("failed to consume share link: %w", err)
	}
	return agentID, nil
}
