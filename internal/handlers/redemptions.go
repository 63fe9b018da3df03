package handlers

import (
	"net/http"
	"strings"

	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"
	"coupon-ledger/internal/validate"

	"github.com/google/uuid"
)

const (
	redemptionsPathPrefix = "/api/redemptions/"

	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 128
)

// RedemptionHandler обрабатывает погашения купонов.
type RedemptionHandler struct {
	service RedemptionService
	coupons CouponService
	log     *logger.Logger
}

// NewRedemptionHandler создаёт обработчик погашений. coupons нужен для
// проверки владельца купона в списке по coupon_id.
func NewRedemptionHandler(service RedemptionService, coupons CouponService, log *logger.Logger) *RedemptionHandler {
	return &RedemptionHandler{
		service: service,
		coupons: coupons,
		log:     log,
	}
}

// Redeem погашает купон. 201 при успехе; при отказе статус зависит от причины,
// а тело содержит тот же результат с reason и message.
func (h *RedemptionHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	token := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if len(token) > maxIdempotencyKeyLen {
		writeErrorResponse(w, http.StatusBadRequest, "Idempotency-Key is too long")
		return
	}

	var req models.RedeemRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeServiceError(w, h.log, err, "Failed to validate redemption")
		return
	}

	result, err := h.service.Redeem(r.Context(), &models.RedeemCommand{
		CouponCode:       req.CouponCode,
		RedeemerID:       identity.UserID,
		ShareLinkID:      req.ShareLinkID,
		IdempotencyToken: token,
		OrderAmount:      req.OrderAmount,
	})
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to redeem coupon")
		return
	}

	if result.Replayed {
		w.Header().Set(headerReplayed, "true")
	}

	status := http.StatusCreated
	if !result.Committed() {
		status = reasonStatus(result.Reason)
	}
	writeJSONResponse(w, status, result)
}

// GetRedemption возвращает попытку погашения. Доступна погасившему,
// бизнесу купона и администратору.
func (h *RedemptionHandler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, redemptionsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	attempt, err := h.service.GetAttempt(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get redemption")
		return
	}

	ownsBusiness := attempt.BusinessID != nil && *attempt.BusinessID == identity.UserID
	if !selfOrAdmin(identity, attempt.RedeemerID) && !ownsBusiness {
		writeErrorResponse(w, http.StatusForbidden, "Access denied")
		return
	}

	writeJSONResponse(w, http.StatusOK, attempt)
}

// ListRedemptions возвращает попытки по coupon_id (бизнес-владелец, админ) или
// redeemer_id (сам пользователь, админ). Без фильтра — попытки текущего пользователя.
func (h *RedemptionHandler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	couponID, err := parseOptionalUUID(r, "coupon_id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	redeemerID, err := parseOptionalUUID(r, "redeemer_id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset := parsePagination(r)
	filter := models.RedemptionFilter{Limit: limit, Offset: offset}
	switch {
	case couponID != nil:
		if !identity.HasRole(models.RoleAdmin) && !h.ownsCoupon(w, r, identity, *couponID) {
			return
		}
		filter.CouponID = couponID
	case redeemerID != nil:
		if !selfOrAdmin(identity, *redeemerID) {
			writeErrorResponse(w, http.StatusForbidden, "Access denied")
			return
		}
		filter.RedeemerID = redeemerID
	default:
		filter.RedeemerID = &identity.UserID
	}

	attempts, err := h.service.ListAttempts(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list redemptions")
		return
	}
	if attempts == nil {
		attempts = []*models.RedemptionAttempt{}
	}

	writeJSONResponse(w, http.StatusOK, attempts)
}

// ownsCoupon проверяет, что купон принадлежит бизнесу вызывающего.
// При отказе ответ уже записан.
func (h *RedemptionHandler) ownsCoupon(w http.ResponseWriter, r *http.Request, identity *models.Identity, couponID uuid.UUID) bool {
	if !identity.HasRole(models.RoleBusiness) || h.coupons == nil {
		writeErrorResponse(w, http.StatusForbidden, "Access denied")
		return false
	}
	coupon, err := h.coupons.GetCoupon(r.Context(), couponID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get coupon")
		return false
	}
	if coupon.BusinessID != identity.UserID {
		writeErrorResponse(w, http.StatusForbidden, "Access denied")
		return false
	}
	return true
}
