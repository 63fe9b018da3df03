package services

import (
	"context"
	"fmt"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/config"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"
	"coupon-ledger/internal/redis"

	"github.com/google/uuid"
)

const (
	DefaultTopCoupons   = 5
	defaultStatsRange   = 30 * 24 * time.Hour
	defaultMaxRangeDays = 366
	defaultCacheTTL     = 10 * time.Minute
)

// StatsService собирает статистику погашений для кабинета бизнеса и кеширует её.
type StatsService struct {
	db         *database.DB
	redis      *redis.Client
	log        *logger.Logger
	cacheTTL   time.Duration
	maxRange   time.Duration
	topCoupons int
}

// NewStatsService создает сервис статистики.
func NewStatsService(db *database.DB, redisClient *redis.Client, log *logger.Logger, cfg *config.StatsConfig) *StatsService {
	cacheTTL := defaultCacheTTL
	maxRange := time.Duration(defaultMaxRangeDays) * 24 * time.Hour
	top := DefaultTopCoupons

	if cfg != nil {
		if cfg.CacheTTLMinutes > 0 {
			cacheTTL = time.Duration(cfg.CacheTTLMinutes) * time.Minute
		}
		if cfg.MaxRangeDays > 0 {
			maxRange = time.Duration(cfg.MaxRangeDays) * 24 * time.Hour
		}
		if cfg.TopCoupons > 0 {
			top = cfg.TopCoupons
		}
	}

	return &StatsService{
		db:         db,
		redis:      redisClient,
		log:        log,
		cacheTTL:   cacheTTL,
		maxRange:   maxRange,
		topCoupons: top,
	}
}

// BusinessStats возвращает погашения и отказы по причинам и топ купонов за период.
func (s *StatsService) BusinessStats(ctx context.Context, filter *models.BusinessStatsFilter) (*models.BusinessStats, error) {
	filter, err := s.normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	cacheKey := s.buildCacheKey(filter)

	var cached models.BusinessStats
	if s.tryGetFromCache(ctx, cacheKey, &cached) {
		return &cached, nil
	}

	stats := &models.BusinessStats{
		BusinessID:         filter.BusinessID,
		From:               filter.From,
		To:                 filter.To,
		RejectionsByReason: make(map[string]int),
		GeneratedAt:        time.Now().UTC(),
	}

	if err := s.fetchOutcomes(ctx, filter, stats); err != nil {
		return nil, err
	}

	top, err := s.fetchTopCoupons(ctx, filter)
	if err != nil {
		return nil, err
	}
	stats.TopCoupons = top

	s.saveToCache(ctx, cacheKey, stats)
	return stats, nil
}

// HandleRedemptionCommitted сбрасывает кеш статистики бизнеса после погашения.
// Ошибка Redis не мешает обработке события: кеш истечёт сам.
func (s *StatsService) HandleRedemptionCommitted(ctx context.Context, event *models.Event) error {
	var data models.RedemptionCommittedData
	if err := event.Decode(&data); err != nil {
		return err
	}
	s.InvalidateBusiness(ctx, data.BusinessID)
	return nil
}

// InvalidateBusiness удаляет все закешированные выборки бизнеса.
func (s *StatsService) InvalidateBusiness(ctx context.Context, businessID uuid.UUID) {
	if s.redis == nil {
		return
	}
	prefix := redis.GenerateKey(redis.KeyPrefixStats, "business:"+businessID.String()+":")
	if err := s.redis.DeleteByPrefix(ctx, prefix); err != nil {
		s.log.WithError(err).WithField("business_id", businessID).Warn("Failed to invalidate business stats cache")
	}
}

func (s *StatsService) fetchOutcomes(ctx context.Context, filter *models.BusinessStatsFilter, stats *models.BusinessStats) error {
	query := `
		SELECT outcome,
		       COALESCE(rejection_reason, '') AS reason,
		       COUNT(*) AS attempts,
		       COALESCE(SUM(discount_amount), 0) AS discount
		FROM redemption_attempts
		WHERE business_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY outcome, rejection_reason
	`

	rows, err := s.db.QueryContext(ctx, query, filter.BusinessID, filter.From, filter.To)
	if err != nil {
		return fmt.Errorf("failed to load redemption outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			outcome  string
			reason   string
			count    int
			discount float64
		)
		if err := rows.Scan(&outcome, &reason, &count, &discount); err != nil {
			return fmt.Errorf("failed to scan redemption outcome: %w", err)
		}
		switch models.RedemptionOutcome(outcome) {
		case models.RedemptionCommitted:
			stats.Committed += count
			stats.DiscountGiven += discount
		case models.RedemptionRejected:
			stats.Rejected += count
			stats.RejectionsByReason[reason] += count
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate redemption outcomes: %w", err)
	}

	stats.DiscountGiven = round2(stats.DiscountGiven)
	return nil
}

func (s *StatsService) fetchTopCoupons(ctx context.Context, filter *models.BusinessStatsFilter) ([]models.CouponUsage, error) {
	query := `
		SELECT c.id,
		       c.code,
		       COUNT(r.id) AS redemptions
		FROM redemption_attempts r
		JOIN coupons c ON c.id = r.coupon_id
		WHERE r.business_id = $1 AND r.outcome = 'committed' AND r.created_at BETWEEN $2 AND $3
		GROUP BY c.id, c.code
		ORDER BY redemptions DESC, c.code ASC
		LIMIT $4
	`

	rows, err := s.db.QueryContext(ctx, query, filter.BusinessID, filter.From, filter.To, filter.TopLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load top coupons: %w", err)
	}
	defer rows.Close()

	var result []models.CouponUsage
	for rows.Next() {
		var item models.CouponUsage
		if err := rows.Scan(&item.CouponID, &item.Code, &item.Redemptions); err != nil {
			return nil, fmt.Errorf("failed to scan top coupon: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate top coupons: %w", err)
	}

	return result, nil
}

func (s *StatsService) normalizeFilter(filter *models.BusinessStatsFilter) (*models.BusinessStatsFilter, error) {
	if filter == nil {
		return nil, apperror.Validation("stats filter is required", nil)
	}
	if filter.To.IsZero() {
		filter.To = time.Now().UTC().Truncate(time.Minute)
	}
	if filter.From.IsZero() {
		filter.From = filter.To.Add(-defaultStatsRange)
	}
	if filter.From.After(filter.To) {
		return nil, apperror.Validation("from must be before to", nil)
	}
	if filter.To.Sub(filter.From) > s.maxRange {
		return nil, apperror.Validation("requested range is too large", nil)
	}
	if filter.TopLimit <= 0 {
		filter.TopLimit = s.topCoupons
	}
	return filter, nil
}

func (s *StatsService) buildCacheKey(filter *models.BusinessStatsFilter) string {
	return redis.GenerateKey(redis.KeyPrefixStats, fmt.Sprintf(
		"business:%s:%s:%s:%d",
		filter.BusinessID,
		filter.From.Format(time.RFC3339),
		filter.To.Format(time.RFC3339),
		filter.TopLimit,
	))
}

func (s *StatsService) tryGetFromCache(ctx context.Context, key string, dest interface{}) bool {
	if s.redis == nil {
		return false
	}

	if err := s.redis.Get(ctx, key, dest); err != nil {
		return false
	}
	return true
}

func (s *StatsService) saveToCache(ctx context.Context, key string, value interface{}) {
	if s.redis == nil {
		return
	}

	if err := s.redis.Set(ctx, key, value, s.cacheTTL); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to cache business stats")
	}
}
