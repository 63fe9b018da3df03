package models

import "github.com/google/uuid"

// Role: роль пользователя, выданная внешним провайдером идентификации
type Role string

const (
	RoleUser       Role = "user"
	RoleBusiness   Role = "business"
	RoleCuponeador Role = "cuponeador"
	RoleAdmin      Role = "admin"
)

// Identity: текущий пользователь запроса
type Identity struct {
	UserID uuid.UUID `json:"user_id"`
	Roles  []Role    `json:"roles"`
}

// HasRole проверяет наличие хотя бы одной из ролей
func (i *Identity) HasRole(roles ...Role) bool {
	if i == nil {
		return false
	}
	for _, have := range i.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
