package services

import (
	"context"
	"testing"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/config"
	"coupon-ledger/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func expectStatsQueries(mock sqlmock.Sqlmock, businessID uuid.UUID, from, to time.Time, couponID uuid.UUID) {
	mock.ExpectQuery("FROM redemption_attempts").WithArgs(businessID, from, to).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "reason", "attempts", "discount"}).
			AddRow("committed", "", 3, 12.5).
			AddRow("rejected", "expired", 2, 0.0).
			AddRow("rejected", "exhausted", 1, 0.0))
	mock.ExpectQuery("JOIN coupons c ON c.id = r.coupon_id").WithArgs(businessID, from, to, DefaultTopCoupons).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "redemptions"}).AddRow(couponID.String(), "TOP", 3))
}

func TestStatsService_BusinessStats(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	svc := NewStatsService(db, nil, newTestLogger(), nil)
	businessID, couponID := uuid.New(), uuid.New()
	from, to := testNow.Add(-24*time.Hour), testNow

	expectStatsQueries(mock, businessID, from, to, couponID)

	stats, err := svc.BusinessStats(context.Background(), &models.BusinessStatsFilter{BusinessID: businessID, From: from, To: to})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Committed != 3 || stats.Rejected != 3 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.RejectionsByReason["expired"] != 2 || stats.RejectionsByReason["exhausted"] != 1 {
		t.Errorf("unexpected reasons: %v", stats.RejectionsByReason)
	}
	if stats.DiscountGiven != 12.5 {
		t.Errorf("unexpected discount: %v", stats.DiscountGiven)
	}
	if len(stats.TopCoupons) != 1 || stats.TopCoupons[0].CouponID != couponID {
		t.Errorf("unexpected top coupons: %+v", stats.TopCoupons)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStatsService_CachesResult(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	rdb, mr := newTestRedis(t)
	svc := NewStatsService(db, rdb, newTestLogger(), &config.StatsConfig{CacheTTLMinutes: 5})
	businessID, couponID := uuid.New(), uuid.New()
	from, to := testNow.Add(-24*time.Hour), testNow

	expectStatsQueries(mock, businessID, from, to, couponID)

	for i := 0; i < 2; i++ {
		stats, err := svc.BusinessStats(context.Background(), &models.BusinessStatsFilter{BusinessID: businessID, From: from, To: to})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if stats.Committed != 3 {
			t.Fatalf("call %d: unexpected stats: %+v", i+1, stats)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("second call should be served from cache: %v", err)
	}
	if len(mr.Keys()) != 1 {
		t.Errorf("expected one cache key, got %v", mr.Keys())
	}
}

func TestStatsService_CommittedEventInvalidatesCache(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	rdb, mr := newTestRedis(t)
	svc := NewStatsService(db, rdb, newTestLogger(), nil)
	businessID, otherID, couponID := uuid.New(), uuid.New(), uuid.New()
	from, to := testNow.Add(-24*time.Hour), testNow

	expectStatsQueries(mock, businessID, from, to, couponID)
	if _, err := svc.BusinessStats(context.Background(), &models.BusinessStatsFilter{BusinessID: businessID, From: from, To: to}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	otherKey := "stats:business:" + otherID.String() + ":cached"
	_ = mr.Set(otherKey, "{}")

	event, err := models.NewEvent(models.EventTypeRedemptionCommitted, &models.RedemptionCommittedData{
		RedemptionID: uuid.New(),
		CouponID:     couponID,
		BusinessID:   businessID,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := svc.HandleRedemptionCommitted(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	keys := mr.Keys()
	if len(keys) != 1 || keys[0] != otherKey {
		t.Fatalf("only the committed business cache should be dropped, left %v", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStatsService_FilterValidation(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()
	svc := NewStatsService(db, nil, newTestLogger(), &config.StatsConfig{MaxRangeDays: 7})

	tests := []struct {
		name   string
		filter *models.BusinessStatsFilter
	}{
		{"nil filter", nil},
		{"inverted range", &models.BusinessStatsFilter{BusinessID: uuid.New(), From: testNow, To: testNow.Add(-time.Hour)}},
		{"range too large", &models.BusinessStatsFilter{BusinessID: uuid.New(), From: testNow.Add(-8 * 24 * time.Hour), To: testNow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.BusinessStats(context.Background(), tt.filter); !apperror.Is(err, apperror.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestStatsService_DefaultRange(t *testing.T) {
	svc := NewStatsService(nil, nil, newTestLogger(), nil)

	filter, err := svc.normalizeFilter(&models.BusinessStatsFilter{To: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filter.From.Equal(testNow.Add(-defaultStatsRange)) {
		t.Errorf("unexpected from: %v", filter.From)
	}
	if filter.TopLimit != DefaultTopCoupons {
		t.Errorf("expected top limit %d, got %d", DefaultTopCoupons, filter.TopLimit)
	}
}
