package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
)

// RedemptionStore: транзакционное хранилище погашений.
type RedemptionStore interface {
	// InTx выполняет fn в одной транзакции; ошибка fn откатывает всё.
	InTx(ctx context.Context, fn func(tx RedemptionTx) error) error
	RecordRejected(ctx context.Context, attempt *models.RedemptionAttempt) error
	// FindByToken возвращает попытку по ключу идемпотентности или nil.
	FindByToken(ctx context.Context, redeemerID uuid.UUID, token string) (*models.RedemptionAttempt, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.RedemptionAttempt, error)
	ListAttempts(ctx context.Context, filter models.RedemptionFilter) ([]*models.RedemptionAttempt, error)
}

// RedemptionTx: операции внутри транзакции погашения.
type RedemptionTx interface {
	CouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	ConsumeShareLink(ctx context.Context, linkID, couponID, redeemerID uuid.UUID, now time.Time) (*uuid.UUID, error)
	ReserveUse(ctx context.Context, couponID uuid.UUID, now time.Time) (int, error)
	InsertAttempt(ctx context.Context, attempt *models.RedemptionAttempt) error
	EnqueueEvent(ctx context.Context, key string, event *models.Event) (uuid.UUID, error)
}

const attemptColumns = `id, coupon_id, coupon_code, business_id, redeemer_id, share_link_id, idempotency_token,
		outcome, COALESCE(rejection_reason, ''), order_amount, discount_amount, created_at`

// SQLRedemptionStore хранит погашения в PostgreSQL.
type SQLRedemptionStore struct {
	db       *database.DB
	registry *CouponRegistry
	links    *ShareLinkService
	outbox   *OutboxRelay
	topic    string
}

// NewSQLRedemptionStore собирает хранилище поверх реестра, ссылок и outbox.
func NewSQLRedemptionStore(db *database.DB, registry *CouponRegistry, links *ShareLinkService, outbox *OutboxRelay, topic string) *SQLRedemptionStore {
	return &SQLRedemptionStore{
		db:       db,
		registry: registry,
		links:    links,
		outbox:   outbox,
		topic:    topic,
	}
}

// InTx открывает транзакцию и фиксирует её, если fn завершилась без ошибки.
func (s *SQLRedemptionStore) InTx(ctx context.Context, fn func(tx RedemptionTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqlRedemptionTx{store: s, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit redemption: %w", err)
	}
	return nil
}

// RecordRejected сохраняет отклонённую попытку для аудита.
func (s *SQLRedemptionStore) RecordRejected(ctx context.Context, attempt *models.RedemptionAttempt) error {
	if err := insertAttempt(ctx, s.db, attempt); err != nil {
		if database.IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

// FindByToken ищет попытку по (redeemer_id, idempotency_token).
func (s *SQLRedemptionStore) FindByToken(ctx context.Context, redeemerID uuid.UUID, token string) (*models.RedemptionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM redemption_attempts WHERE redeemer_id = $1 AND idempotency_token = $2`
	attempt, err := scanAttempt(s.db.QueryRowContext(ctx, query, redeemerID, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find redemption by token: %w", err)
	}
	return attempt, nil
}

// GetAttempt возвращает попытку по ID.
func (s *SQLRedemptionStore) GetAttempt(ctx context.Context, id uuid.UUID) (*models.RedemptionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM redemption_attempts WHERE id = $1`
	attempt, err := scanAttempt(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("redemption not found", err)
		}
		return nil, fmt.Errorf("failed to get redemption: %w", err)
	}
	return attempt, nil
}

// ListAttempts возвращает попытки купона или пользователя.
func (s *SQLRedemptionStore) ListAttempts(ctx context.Context, filter models.RedemptionFilter) ([]*models.RedemptionAttempt, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}

	query := `SELECT ` + attemptColumns + ` FROM redemption_attempts`
	var args []interface{}
	switch {
	case filter.CouponID != nil:
		query += " WHERE coupon_id = $1"
		args = append(args, *filter.CouponID)
	case filter.RedeemerID != nil:
		query += " WHERE redeemer_id = $1"
		args = append(args, *filter.RedeemerID)
	default:
		return nil, apperror.Validation("coupon_id or redeemer_id is required", nil)
	}
	query += " ORDER BY created_at DESC LIMIT $2 OFFSET $3"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list redemptions: %w", err)
	}
	defer rows.Close()

	var attempts []*models.RedemptionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate redemptions: %w", err)
	}
	return attempts, nil
}

type sqlRedemptionTx struct {
	store *SQLRedemptionStore
	tx    *sql.Tx
}

func (t *sqlRedemptionTx) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return t.store.registry.GetCouponByCodeWithTx(ctx, t.tx, code)
}

func (t *sqlRedemptionTx) ConsumeShareLink(ctx context.Context, linkID, couponID, redeemerID uuid.UUID, now time.Time) (*uuid.UUID, error) {
	return t.store.links.ConsumeWithTx(ctx, t.tx, linkID, couponID, redeemerID, now)
}

func (t *sqlRedemptionTx) ReserveUse(ctx context.Context, couponID uuid.UUID, now time.Time) (int, error) {
	return t.store.registry.TryReserveUseWithTx(ctx, t.tx, couponID, now)
}

func (t *sqlRedemptionTx) InsertAttempt(ctx context.Context, attempt *models.RedemptionAttempt) error {
	if err := insertAttempt(ctx, t.tx, attempt); err != nil {
		if database.IsUniqueViolation(err) {
			return apperror.Rejected(apperror.ReasonDuplicateRedemption)
		}
		return err
	}
	return nil
}

func (t *sqlRedemptionTx) EnqueueEvent(ctx context.Context, key string, event *models.Event) (uuid.UUID, error) {
	return t.store.outbox.Enqueue(ctx, t.tx, t.store.topic, key, event)
}

func insertAttempt(ctx context.Context, q queryer, a *models.RedemptionAttempt) error {
	var reason *string
	if a.RejectionReason != "" {
		r := string(a.RejectionReason)
		reason = &r
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO redemption_attempts (id, coupon_id, coupon_code, business_id, redeemer_id, share_link_id,
			idempotency_token, outcome, rejection_reason, order_amount, discount_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.CouponID, a.CouponCode, a.BusinessID, a.RedeemerID, a.ShareLinkID,
		a.IdempotencyToken, string(a.Outcome), reason, a.OrderAmount, a.DiscountAmount, a.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to insert redemption attempt: %w", err)
	}
	return nil
}

func scanAttempt(row rowScanner) (*models.RedemptionAttempt, error) {
	a := &models.RedemptionAttempt{}
	var (
		outcome string
		reason  string
	)
	if err := row.Scan(
		&a.ID, &a.CouponID, &a.CouponCode, &a.BusinessID, &a.RedeemerID, &a.ShareLinkID, &a.IdempotencyToken,
		&outcome, &reason, &a.OrderAmount, &a.DiscountAmount, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Outcome = models.RedemptionOutcome(outcome)
	a.RejectionReason = apperror.Reason(reason)
	return a, nil
}
