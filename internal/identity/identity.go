// Package identity looks up marketplace parties (buyers and sellers).
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound  = errors.New("identity: user not found")
	ErrDuplicateUser = errors.New("identity: user already exists")
)

// Role is the part a user plays in the marketplace.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// User is a marketplace party.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lookup resolves a user by id.
type Lookup interface {
	FindUser(ctx context.Context, id string) (*User, error)
}

// Store persists users.
type Store interface {
	Lookup
	Create(ctx context.Context, u *User) error
}
