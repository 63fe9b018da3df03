package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxReserveAttempts ограничивает повторы условного UPDATE, когда диагностическое
// чтение видит купон пригодным: между UPDATE и чтением его изменил другой писатель.
const maxReserveAttempts = 3

// queryer покрывает *sql.DB, *sql.Tx и *database.DB.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const couponColumns = `id, business_id, code, title, discount_type, discount_value, valid_from, valid_until,
		max_uses, use_count, active, sharing_enabled, created_at, updated_at`

// CouponRegistry владеет купонами и их счётчиком использований.
type CouponRegistry struct {
	db  *database.DB
	log *logger.Logger
}

// NewCouponRegistry создаёт реестр купонов.
func NewCouponRegistry(db *database.DB, log *logger.Logger) *CouponRegistry {
	return &CouponRegistry{
		db:  db,
		log: log,
	}
}

// CreateCoupon создаёт купон бизнеса.
func (r *CouponRegistry) CreateCoupon(ctx context.Context, businessID uuid.UUID, req *models.CreateCouponRequest) (*models.Coupon, error) {
	if err := validateCouponPayload(req); err != nil {
		return nil, apperror.Validation(err.Error(), err)
	}

	now := time.Now().UTC()
	coupon := &models.Coupon{
		ID:             uuid.New(),
		BusinessID:     businessID,
		Code:           normalizeCode(req.Code),
		Title:          req.Title,
		DiscountType:   req.DiscountType,
		DiscountValue:  req.DiscountValue,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		MaxUses:        req.MaxUses,
		Active:         true,
		SharingEnabled: req.SharingEnabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	query := `
		INSERT INTO coupons (id, business_id, code, title, discount_type, discount_value, valid_from, valid_until,
			max_uses, use_count, active, sharing_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, TRUE, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		coupon.ID, coupon.BusinessID, coupon.Code, coupon.Title, coupon.DiscountType, coupon.DiscountValue,
		coupon.ValidFrom, coupon.ValidUntil, coupon.MaxUses, coupon.SharingEnabled, coupon.CreatedAt, coupon.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperror.Conflict("coupon code already exists", err)
		}
		if database.IsForeignKeyViolation(err) {
			return nil, apperror.NotFound("business not found", err)
		}
		return nil, fmt.Errorf("failed to create coupon: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"coupon_id":   coupon.ID,
		"business_id": businessID,
		"code":        coupon.Code,
	}).Info("Coupon created")

	return coupon, nil
}

// GetCoupon возвращает купон по ID.
func (r *CouponRegistry) GetCoupon(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	return r.getCoupon(ctx, r.db, "id = $1", id)
}

// GetCouponByCode возвращает купон по коду.
func (r *CouponRegistry) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return r.getCoupon(ctx, r.db, "code = $1", normalizeCode(code))
}

// GetCouponByCodeWithTx возвращает купон по коду внутри транзакции.
func (r *CouponRegistry) GetCouponByCodeWithTx(ctx context.Context, tx *sql.Tx, code string) (*models.Coupon, error) {
	return r.getCoupon(ctx, tx, "code = $1", normalizeCode(code))
}

func (r *CouponRegistry) getCoupon(ctx context.Context, q queryer, where string, arg interface{}) (*models.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE ` + where

	coupon, err := scanCoupon(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Rejected(apperror.ReasonCouponNotFound)
		}
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	return coupon, nil
}

// ListCoupons возвращает купоны с серверной фильтрацией.
func (r *CouponRegistry) ListCoupons(ctx context.Context, filter models.CouponFilter) ([]*models.Coupon, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		conds []string
		args  []interface{}
	)
	if filter.BusinessID != nil {
		args = append(args, *filter.BusinessID)
		conds = append(conds, fmt.Sprintf("business_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "active")
	}
	if filter.ShareableOnly {
		conds = append(conds, "sharing_enabled")
	}

	query := `SELECT ` + couponColumns + ` FROM coupons`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list coupons: %w", err)
	}
	defer rows.Close()

	var coupons []*models.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coupon: %w", err)
		}
		coupons = append(coupons, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate coupons: %w", err)
	}

	return coupons, nil
}

// DeactivateCoupon снимает купон с публикации. Удалить купон может только его бизнес.
func (r *CouponRegistry) DeactivateCoupon(ctx context.Context, businessID, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE coupons SET active = FALSE, updated_at = $1 WHERE id = $2 AND business_id = $3",
		time.Now().UTC(), id, businessID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate coupon: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("coupon not found", nil)
	}

	r.log.WithField("coupon_id", id).Info("Coupon deactivated")
	return nil
}

// TryReserveUse атомарно проверяет купон и увеличивает счётчик использований.
func (r *CouponRegistry) TryReserveUse(ctx context.Context, id uuid.UUID, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	count, err := r.TryReserveUseWithTx(ctx, tx, id, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return count, nil
}

// TryReserveUseWithTx резервирует использование в рамках транзакции.
// Проверка активности, окна действия и лимита и инкремент выполняются одним
// условным UPDATE: PostgreSQL перепроверяет WHERE на свежей версии строки после
// блокировки. При нуле строк причина отказа диагностируется отдельным чтением.
// Возвращает новое значение счётчика или apperror.Rejected с причиной.
func (r *CouponRegistry) TryReserveUseWithTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, now time.Time) (int, error) {
	query := `
		UPDATE coupons
		SET use_count = use_count + 1, updated_at = $2
		WHERE id = $1
		  AND active
		  AND (valid_from IS NULL OR valid_from <= $2)
		  AND (valid_until IS NULL OR valid_until >= $2)
		  AND (max_uses IS NULL OR use_count < max_uses)
		RETURNING use_count
	`

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		var count int
		err := tx.QueryRowContext(ctx, query, id, now).Scan(&count)
		if err == nil {
			return count, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to reserve coupon use: %w", err)
		}

		coupon, err := r.getCoupon(ctx, tx, "id = $1", id)
		if err != nil {
			return 0, err
		}
		if reason := coupon.CheckReservable(now); reason != "" {
			r.log.WithFields(logrus.Fields{
				"coupon_id": id,
				"reason":    reason,
			}).Debug("Coupon reservation rejected")
			return 0, apperror.Rejected(reason)
		}
	}

	return 0, apperror.Conflict("coupon reservation is contended, retry later", nil)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCoupon(row rowScanner) (*models.Coupon, error) {
	c := &models.Coupon{}
	if err := row.Scan(
		&c.ID, &c.BusinessID, &c.Code, &c.Title, &c.DiscountType, &c.DiscountValue, &c.ValidFrom, &c.ValidUntil,
		&c.MaxUses, &c.UseCount, &c.Active, &c.SharingEnabled, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return c, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateCouponPayload(req *models.CreateCouponRequest) error {
	switch req.DiscountType {
	case models.DiscountTypePercentage:
		if req.DiscountValue <= 0 || req.DiscountValue > 100 {
			return fmt.Errorf("percentage discount must be between 0 and 100")
		}
	case models.DiscountTypeFixedGift:
		if req.DiscountValue < 0 {
			return fmt.Errorf("fixed gift value must be non-negative")
		}
	default:
		return fmt.Errorf("invalid discount_type")
	}
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("code is required")
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && req.ValidFrom.After(*req.ValidUntil) {
		return fmt.Errorf("valid_from must not be after valid_until")
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		return fmt.Errorf("max_uses must be at least 1")
	}
	return nil
}
