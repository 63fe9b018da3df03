package handlers

import (
	"net/http"
	"strconv"

	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"
	"coupon-ledger/internal/validate"
)

const couponsPathPrefix = "/api/coupons/"

// CouponHandler обрабатывает купоны бизнеса.
type CouponHandler struct {
	coupons CouponService
	log     *logger.Logger
}

// NewCouponHandler создаёт обработчик купонов.
func NewCouponHandler(coupons CouponService, log *logger.Logger) *CouponHandler {
	return &CouponHandler{
		coupons: coupons,
		log:     log,
	}
}

// CreateCoupon создаёт купон от имени текущего бизнеса.
func (h *CouponHandler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	var req models.CreateCouponRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeServiceError(w, h.log, err, "Failed to validate coupon")
		return
	}

	coupon, err := h.coupons.CreateCoupon(r.Context(), identity.UserID, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create coupon")
		return
	}

	writeJSONResponse(w, http.StatusCreated, coupon)
}

// ListCoupons возвращает купоны с фильтрами business_id, active, shareable.
func (h *CouponHandler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	businessID, err := parseOptionalUUID(r, "business_id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset := parsePagination(r)
	filter := models.CouponFilter{
		BusinessID: businessID,
		Limit:      limit,
		Offset:     offset,
	}
	if v, err := strconv.ParseBool(r.URL.Query().Get("active")); err == nil {
		filter.ActiveOnly = v
	}
	if v, err := strconv.ParseBool(r.URL.Query().Get("shareable")); err == nil {
		filter.ShareableOnly = v
	}

	coupons, err := h.coupons.ListCoupons(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list coupons")
		return
	}
	if coupons == nil {
		coupons = []*models.Coupon{}
	}

	writeJSONResponse(w, http.StatusOK, coupons)
}

// GetCoupon возвращает купон по ID.
func (h *CouponHandler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, couponsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	coupon, err := h.coupons.GetCoupon(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get coupon")
		return
	}

	writeJSONResponse(w, http.StatusOK, CouponResponse{Coupon: coupon, RemainingUses: coupon.RemainingUses()})
}

// CouponResponse дополняет купон остатком использований.
type CouponResponse struct {
	*models.Coupon
	RemainingUses *int `json:"remaining_uses,omitempty"`
}

// DeactivateCoupon снимает купон с публикации; доступно только бизнесу-владельцу.
func (h *CouponHandler) DeactivateCoupon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, couponsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.coupons.DeactivateCoupon(r.Context(), identity.UserID, id); err != nil {
		writeServiceError(w, h.log, err, "Failed to deactivate coupon")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Coupon deactivated"})
}

// callerIdentity достаёт идентификацию, положенную RequireIdentity.
func callerIdentity(w http.ResponseWriter, r *http.Request) (*models.Identity, bool) {
	identity := IdentityFrom(r.Context())
	if identity == nil {
		writeErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	return identity, true
}
