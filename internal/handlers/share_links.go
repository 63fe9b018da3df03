package handlers

import (
	"net/http"
	"time"

	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"
)

const shareLinksPathPrefix = "/api/share-links/"

// ShareLinkHandler обрабатывает ссылки "поделиться".
type ShareLinkHandler struct {
	links ShareLinkService
	log   *logger.Logger
	now   func() time.Time
}

// NewShareLinkHandler создаёт обработчик ссылок.
func NewShareLinkHandler(links ShareLinkService, log *logger.Logger) *ShareLinkHandler {
	return &ShareLinkHandler{
		links: links,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateShareLink выдаёт ссылку на купон: POST /api/coupons/{id}/share-links.
func (h *ShareLinkHandler) CreateShareLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	couponID, err := extractUUIDFromPath(r.URL.Path, couponsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	link, err := h.links.CreateShareLink(r.Context(), couponID, identity.UserID, h.now())
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create share link")
		return
	}

	writeJSONResponse(w, http.StatusCreated, link)
}

// GetShareLink возвращает ссылку по ID.
func (h *ShareLinkHandler) GetShareLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, shareLinksPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	link, err := h.links.GetShareLink(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get share link")
		return
	}

	writeJSONResponse(w, http.StatusOK, ShareLinkResponse{ShareLink: link, Usable: link.Usable(h.now())})
}

// ShareLinkResponse дополняет ссылку признаком, можно ли её ещё погасить.
type ShareLinkResponse struct {
	*models.ShareLink
	Usable bool `json:"usable"`
}
