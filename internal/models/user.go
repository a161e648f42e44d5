package models

import (
	"log/slog"
	"time"
)

// Roles known to the practice-management application.
const (
	RoleAdministrator = "administrator"
	RoleClinician     = "clinician"
	RoleStaff         = "staff"
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	TOTPSecret   *string // nil when the second factor is not enrolled
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LogValue keeps credentials out of structured logs.
func (u *User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("role", u.Role),
	)
}

// LogFields is the allow-list used when a user ends up in a sanitized payload.
func (u *User) LogFields() map[string]any {
	return map[string]any{"id": u.ID, "username": u.Username, "role": u.Role}
}
