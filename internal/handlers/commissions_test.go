package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"coupon-ledger/internal/models"

	"github.com/google/uuid"
)

type stubCommissionReader struct {
	total   float64
	summary *models.CommissionSummary
	entries []*models.CommissionEntry
	err     error
}

func (s *stubCommissionReader) TotalFor(ctx context.Context, agentID uuid.UUID) (float64, error) {
	return s.total, s.err
}
func (s *stubCommissionReader) Summary(ctx context.Context, agentID uuid.UUID) (*models.CommissionSummary, error) {
	return s.summary, s.err
}
func (s *stubCommissionReader) ListEntries(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.CommissionEntry, error) {
	return s.entries, s.err
}

func TestCommissionHandler_Total(t *testing.T) {
	agentID := uuid.New()
	h := NewCommissionHandler(&stubCommissionReader{total: 12.5}, newTestLogger())

	rr := httptest.NewRecorder()
	h.Total(rr, authedRequest(http.MethodGet, "/api/agents/"+agentID.String()+"/commissions/total", "", agentID, models.RoleCuponeador))
	assertStatus(t, rr, http.StatusOK)

	var resp CommissionTotalResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AgentID != agentID || resp.Total != 12.5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCommissionHandler_OtherAgentForbidden(t *testing.T) {
	h := NewCommissionHandler(&stubCommissionReader{}, newTestLogger())
	path := "/api/agents/" + uuid.NewString() + "/commissions"

	rr := httptest.NewRecorder()
	h.List(rr, authedRequest(http.MethodGet, path, "", uuid.New(), models.RoleCuponeador))
	assertStatus(t, rr, http.StatusForbidden)

	rr = httptest.NewRecorder()
	h.List(rr, authedRequest(http.MethodGet, path, "", uuid.New(), models.RoleAdmin))
	assertStatus(t, rr, http.StatusOK)
}

func TestCommissionHandler_List(t *testing.T) {
	agentID := uuid.New()
	reader := &stubCommissionReader{
		summary: &models.CommissionSummary{AgentID: agentID, Total: 7, DirectSale: 5, ViralShare: 2, Entries: 2},
		entries: []*models.CommissionEntry{
			{ID: uuid.New(), AgentID: agentID, Kind: models.CommissionViralShare, Amount: 2},
			{ID: uuid.New(), AgentID: agentID, Kind: models.CommissionDirectSale, Amount: 5},
		},
	}
	h := NewCommissionHandler(reader, newTestLogger())

	rr := httptest.NewRecorder()
	h.List(rr, authedRequest(http.MethodGet, "/api/agents/"+agentID.String()+"/commissions?limit=10", "", agentID, models.RoleCuponeador))
	assertStatus(t, rr, http.StatusOK)

	var resp CommissionListResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Summary.Total != 7 || len(resp.Entries) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCommissionHandler_Errors(t *testing.T) {
	agentID := uuid.New()
	h := NewCommissionHandler(&stubCommissionReader{err: errors.New("db down")}, newTestLogger())

	rr := httptest.NewRecorder()
	h.Total(rr, authedRequest(http.MethodGet, "/api/agents/"+agentID.String()+"/commissions/total", "", agentID))
	assertStatus(t, rr, http.StatusInternalServerError)

	rr = httptest.NewRecorder()
	h.Total(rr, authedRequest(http.MethodGet, "/api/agents/bad/commissions/total", "", agentID))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = httptest.NewRecorder()
	h.Total(rr, authedRequest(http.MethodPost, "/api/agents/"+agentID.String()+"/commissions/total", "", agentID))
	assertStatus(t, rr, http.StatusMethodNotAllowed)
}
