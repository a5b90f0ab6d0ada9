// Package domain contains the shared entities, just meta-data without logic.
package domain

import "errors"

const (
	MaxUserIDLen = 36
	MaxNameLen   = 64
)

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrNameEmpty     = errors.New("display name empty")
	ErrNameTooLong   = errors.New("display name too long")
)

type UserID string

// User is the authenticated identity behind a connection. The id and the
// display name both come from the auth verifier, never from the client.
type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id, name string) (*User, error) {
	if len(id) == 0 {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	return &User{ID: UserID(id), Name: name}, nil
}
