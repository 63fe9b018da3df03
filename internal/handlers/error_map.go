package handlers

import (
	"net/http"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/logger"
)

// reasonStatus задаёт HTTP-статус для причины отказа в погашении.
func reasonStatus(reason apperror.Reason) int {
	switch reason {
	case apperror.ReasonCouponNotFound:
		return http.StatusNotFound
	case apperror.ReasonInvalidShareLink:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, internalMessage string) {
	if reason, ok := apperror.ReasonOf(err); ok {
		status := reasonStatus(reason)
		writeJSONResponse(w, status, ErrorResponse{
			Error:   http.StatusText(status),
			Message: reason.Message(),
			Reason:  reason,
		})
		return
	}

	switch {
	case apperror.Is(err, apperror.KindNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case apperror.Is(err, apperror.KindValidation):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case apperror.Is(err, apperror.KindConflict):
		writeErrorResponse(w, http.StatusConflict, err.Error())
	case apperror.Is(err, apperror.KindUnauthorized):
		writeErrorResponse(w, http.StatusUnauthorized, err.Error())
	case apperror.Is(err, apperror.KindForbidden):
		writeErrorResponse(w, http.StatusForbidden, err.Error())
	default:
		if log != nil {
			log.WithError(err).Error(internalMessage)
		}
		writeErrorResponse(w, http.StatusInternalServerError, internalMessage)
	}
}
