package handlers

import (
	"context"
	"net/http"
	"strings"

	"coupon-ledger/internal/models"

	"github.com/google/uuid"
)

const (
	headerUserID    = "X-User-ID"
	headerUserRoles = "X-User-Roles"
)

type identityKey struct{}

// RequireIdentity пропускает запрос только с идентификацией от шлюза и одной из ролей.
// Без ролей в аргументах достаточно любой идентификации.
func RequireIdentity(roles ...models.Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			identity, ok := parseIdentity(r)
			if !ok {
				writeErrorResponse(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if len(roles) > 0 && !identity.HasRole(roles...) {
				writeErrorResponse(w, http.StatusForbidden, "Insufficient role")
				return
			}
			next(w, r.WithContext(WithIdentity(r.Context(), identity)))
		}
	}
}

// WithIdentity кладёт идентификацию в контекст.
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom возвращает идентификацию запроса или nil.
func IdentityFrom(ctx context.Context) *models.Identity {
	identity, _ := ctx.Value(identityKey{}).(*models.Identity)
	return identity
}

func parseIdentity(r *http.Request) (*models.Identity, bool) {
	userID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(headerUserID)))
	if err != nil || userID == uuid.Nil {
		return nil, false
	}

	identity := &models.Identity{UserID: userID}
	for _, raw := range strings.Split(r.Header.Get(headerUserRoles), ",") {
		role := models.Role(strings.ToLower(strings.TrimSpace(raw)))
		switch role {
		case models.RoleUser, models.RoleBusiness, models.RoleCuponeador, models.RoleAdmin:
			identity.Roles = append(identity.Roles, role)
		}
	}
	return identity, true
}

// selfOrAdmin разрешает доступ владельцу ресурса или администратору.
func selfOrAdmin(identity *models.Identity, ownerID uuid.UUID) bool {
	if identity == nil {
		return false
	}
	return identity.UserID == ownerID || identity.HasRole(models.RoleAdmin)
}
