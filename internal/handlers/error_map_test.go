package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"coupon-ledger/internal/apperror"
)

func TestWriteServiceError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantReason apperror.Reason
	}{
		{"coupon not found", apperror.Rejected(apperror.ReasonCouponNotFound), http.StatusNotFound, apperror.ReasonCouponNotFound},
		{"exhausted", apperror.Rejected(apperror.ReasonExhausted), http.StatusConflict, apperror.ReasonExhausted},
		{"share link", apperror.Rejected(apperror.ReasonInvalidShareLink), http.StatusUnprocessableEntity, apperror.ReasonInvalidShareLink},
		{"duplicate", apperror.Rejected(apperror.ReasonDuplicateRedemption), http.StatusConflict, apperror.ReasonDuplicateRedemption},
		{"not found", apperror.NotFound("coupon not found", nil), http.StatusNotFound, ""},
		{"validation", apperror.Validation("code is required", nil), http.StatusBadRequest, ""},
		{"conflict", apperror.Conflict("code taken", nil), http.StatusConflict, ""},
		{"unauthorized", apperror.Unauthorized("who are you", nil), http.StatusUnauthorized, ""},
		{"forbidden", apperror.Forbidden("not yours", nil), http.StatusForbidden, ""},
		{"internal", errors.New("db down"), http.StatusInternalServerError, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(rr, newTestLogger(), tc.err, "Failed")
			assertStatus(t, rr, tc.wantStatus)

			var resp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Reason != tc.wantReason {
				t.Fatalf("expected reason %q, got %q", tc.wantReason, resp.Reason)
			}
		})
	}
}

func TestWriteServiceError_HidesInternalDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	writeServiceError(rr, newTestLogger(), errors.New("pq: password authentication failed"), "Failed to redeem coupon")

	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message != "Failed to redeem coupon" {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
}
