package handlers

import (
	"net/http"
	"strings"

	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
)

const agentsPathPrefix = "/api/agents/"

// CommissionHandler отдаёт начисления купонеадора.
type CommissionHandler struct {
	ledger CommissionReader
	log    *logger.Logger
}

// NewCommissionHandler создаёт обработчик комиссий.
func NewCommissionHandler(ledger CommissionReader, log *logger.Logger) *CommissionHandler {
	return &CommissionHandler{
		ledger: ledger,
		log:    log,
	}
}

// CommissionTotalResponse: сумма начислений агента на момент запроса.
type CommissionTotalResponse struct {
	AgentID uuid.UUID `json:"agent_id"`
	Total   float64   `json:"total"`
}

// CommissionListResponse: начисления агента с итогами.
type CommissionListResponse struct {
	Summary *models.CommissionSummary `json:"summary"`
	Entries []*models.CommissionEntry `json:"entries"`
}

// Total: GET /api/agents/{id}/commissions/total.
func (h *CommissionHandler) Total(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.authorizeAgent(w, r)
	if !ok {
		return
	}

	total, err := h.ledger.TotalFor(r.Context(), agentID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to load commission total")
		return
	}

	writeJSONResponse(w, http.StatusOK, CommissionTotalResponse{AgentID: agentID, Total: total})
}

// List: GET /api/agents/{id}/commissions.
func (h *CommissionHandler) List(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.authorizeAgent(w, r)
	if !ok {
		return
	}

	summary, err := h.ledger.Summary(r.Context(), agentID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to load commission summary")
		return
	}

	limit, offset := parsePagination(r)
	entries, err := h.ledger.ListEntries(r.Context(), agentID, limit, offset)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list commissions")
		return
	}
	if entries == nil {
		entries = []*models.CommissionEntry{}
	}

	writeJSONResponse(w, http.StatusOK, CommissionListResponse{Summary: summary, Entries: entries})
}

// authorizeAgent пускает самого купонеадора или администратора.
func (h *CommissionHandler) authorizeAgent(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return uuid.Nil, false
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return uuid.Nil, false
	}

	if !strings.Contains(r.URL.Path, "/commissions") {
		writeErrorResponse(w, http.StatusNotFound, "Not found")
		return uuid.Nil, false
	}
	agentID, err := extractUUIDFromPath(r.URL.Path, agentsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, false
	}

	if !selfOrAdmin(identity, agentID) {
		writeErrorResponse(w, http.StatusForbidden, "Access denied")
		return uuid.Nil, false
	}
	return agentID, true
}
