package domain

import (
	"errors"
	"time"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type User struct {
	ID        string
	Name      string
	Role      string
	CreatedAt time.Time
}

type Device struct {
	ID           string
	UserID       string
	Token        string
	Platform     string
	Name         string
	RegisteredAt time.Time
}

const (
	InviteActive = "active"
	InviteUsed   = "used"
)

type InviteCode struct {
	Code      string
	CreatedBy string
	Status    string
	IsAdmin   bool
	ExpiresAt string
	UsedBy    string
}

var (
	// ErrInviteCodeExists is returned when storing a code that is already present.
	ErrInviteCodeExists = errors.New("invite code already exists")
	// ErrInviteCodeUnavailable is returned when a code was redeemed concurrently or is no longer active.
	ErrInviteCodeUnavailable = errors.New("invite code is no longer active")
)
