// Package privileged is the trusted intermediary for identity operations the
// dashboard may not perform with a user's own credentials: creating users
// and resetting passwords. It authenticates the caller, requires the admin
// role, performs the operation with the service credential and writes
// exactly one audit entry per invocation.
package privileged

import (
	"context"
	"errors"
)

// Operation names accepted by Invoke. The hyphenated aliases are the
// function paths the dashboard calls.
const (
	OpCreateUser    = "create_user"
	OpResetPassword = "reset_password"
)

var aliases = map[string]string{
	"create-user":         OpCreateUser,
	"reset-user-password": OpResetPassword,
	OpCreateUser:          OpCreateUser,
	OpResetPassword:       OpResetPassword,
}

// Canonical maps an operation name or alias to its canonical name.
func Canonical(op string) (string, bool) {
	c, ok := aliases[op]
	return c, ok
}

var (
	ErrUnauthorized = errors.New("Unauthorized")
	ErrUnknownOp    = errors.New("unknown operation")
)

// Result is the response envelope: success with an optional user id, or an
// error message.
type Result struct {
	Success bool   `json:"success,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Error == "" && r.Success }

func failure(err error) Result { return Result{Error: err.Error()} }

// CreateUserRequest is the create_user payload.
type CreateUserRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=6"`
	FullName   string `json:"full_name" validate:"required,notblank"`
	Role       string `json:"role" validate:"required,oneof=admin unit_head individual"`
	Unit       string `json:"unit,omitempty" validate:"omitempty,oneof=preparation curriculum"`
	DutySystem string `json:"duty_system,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// ResetPasswordRequest is the reset_password payload.
type ResetPasswordRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6"`
}

type Caller struct {
	ID    string
	Email string
}

type ProfileUpdate struct {
	FullName   string  `json:"full_name"`
	Unit       *string `json:"unit"`
	DutySystem string  `json:"duty_system"`
	Phone      *string `json:"phone"`
}

// AuditRow is the backend audit_log row.
type AuditRow struct {
	UserID     string         `json:"user_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Backend is what the intermediary needs from the hosted service. Every
// method except Caller runs with the service credential.
type Backend interface {
	// Caller resolves the caller's bearer token to its auth user.
	Caller(ctx context.Context, token string) (Caller, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)

	CreateAuthUser(ctx context.Context, email, password, fullName string) (string, error)
	DeleteAuthUser(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, password string) error

	UpdateProfile(ctx context.Context, userID string, p ProfileUpdate) error
	InsertRole(ctx context.Context, userID, role string, unit *string) error
	InsertLeaveBalance(ctx context.Context, userID, month string) error
	InsertAudit(ctx context.Context, row AuditRow) error
}
