package services

import (
	"context"
	"testing"
	"time"

	"coupon-ledger/internal/apperror"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestShareLinkService_CreateShareLink(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	svc := NewShareLinkService(db, newTestLogger(), 24*time.Hour)
	couponID, sharedBy, agentID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT c.active, c.sharing_enabled, b.agent_id").WithArgs(couponID).
		WillReturnRows(sqlmock.NewRows([]string{"active", "sharing_enabled", "agent_id"}).AddRow(true, true, agentID.String()))
	mock.ExpectExec("INSERT INTO share_links").
		WithArgs(sqlmock.AnyArg(), couponID, sqlmock.AnyArg(), sharedBy, testNow, testNow.Add(24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	link, err := svc.CreateShareLink(context.Background(), couponID, sharedBy, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link.AgentID == nil || *link.AgentID != agentID {
		t.Errorf("expected agent %s, got %v", agentID, link.AgentID)
	}
	if !link.ExpiresAt.Equal(testNow.Add(24 * time.Hour)) {
		t.Errorf("unexpected expiry: %v", link.ExpiresAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestShareLinkService_CreateShareLinkRefused(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		checkFn func(error) bool
	}{
		{
			name: "coupon missing",
			rows: sqlmock.NewRows([]string{"active", "sharing_enabled", "agent_id"}),
			checkFn: func(err error) bool {
				r, ok := apperror.ReasonOf(err)
				return ok && r == apperror.ReasonCouponNotFound
			},
		},
		{
			name: "inactive coupon",
			rows: sqlmock.NewRows([]string{"active", "sharing_enabled", "agent_id"}).AddRow(false, true, nil),
			checkFn: func(err error) bool {
				r, ok := apperror.ReasonOf(err)
				return ok && r == apperror.ReasonInactive
			},
		},
		{
			name:    "sharing disabled",
			rows:    sqlmock.NewRows([]string{"active", "sharing_enabled", "agent_id"}).AddRow(true, false, nil),
			checkFn: func(err error) bool { return apperror.Is(err, apperror.KindConflict) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			defer db.Close()
			svc := NewShareLinkService(db, newTestLogger(), 0)

			mock.ExpectQuery("SELECT c.active").WillReturnRows(tt.rows)

			_, err := svc.CreateShareLink(context.Background(), uuid.New(), uuid.New(), testNow)
			if !tt.checkFn(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestShareLinkService_GetShareLink(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	svc := NewShareLinkService(db, newTestLogger(), 0)
	id, couponID, sharedBy := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery("FROM share_links").WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "coupon_id", "agent_id", "shared_by", "created_at", "expires_at", "consumed_at", "consumed_by"}).
			AddRow(id.String(), couponID.String(), nil, sharedBy.String(), testNow, testNow.Add(time.Hour), nil, nil))
	mock.ExpectQuery("FROM share_links").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	link, err := svc.GetShareLink(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link.AgentID != nil || !link.Usable(testNow) {
		t.Errorf("unexpected link: %+v", link)
	}

	if _, err := svc.GetShareLink(context.Background(), uuid.New()); !apperror.Is(err, apperror.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShareLinkService_ConsumeExpiredLink(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	svc := NewShareLinkService(db, newTestLogger(), 0)
	linkID, couponID, redeemer := uuid.New(), uuid.New(), uuid.New()
	late := testNow.Add(25 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE share_links").WithArgs(linkID, couponID, redeemer, late).
		WillReturnRows(sqlmock.NewRows([]string{"agent_id"}))
	mock.ExpectRollback()

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = svc.ConsumeWithTx(context.Background(), tx, linkID, couponID, redeemer, late)
	if reason, ok := apperror.ReasonOf(err); !ok || reason != apperror.ReasonInvalidShareLink {
		t.Fatalf("expected invalid_share_link, got %v", err)
	}
	_ = tx.Rollback()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestShareLinkService_ConsumeReturnsAgent(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	svc := NewShareLinkService(db, newTestLogger(), 0)
	agentID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE share_links").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id"}).AddRow(agentID.String()))
	mock.ExpectCommit()

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	got, err := svc.ConsumeWithTx(context.Background(), tx, uuid.New(), uuid.New(), uuid.New(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || *got != agentID {
		t.Errorf("expected agent %s, got %v", agentID, got)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
