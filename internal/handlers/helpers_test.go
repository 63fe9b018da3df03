package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
)

func newTestLogger() *logger.Logger {
	return logger.New(&config.LoggerConfig{Level: "error", Format: "json"})
}

// authedRequest builds a request that already passed RequireIdentity.
func authedRequest(method, target, body string, userID uuid.UUID, roles ...models.Role) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(WithIdentity(req.Context(), &models.Identity{UserID: userID, Roles: roles}))
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}
