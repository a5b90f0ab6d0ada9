// Package auth verifies the collaboration tokens the web application hands
// to editor clients. The realtime server never issues identity itself; it
// only checks what the issuer minted.
package auth

import (
	"context"
	"errors"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Identity is the verified subject behind a connection. Project narrows the
// grant to one project; empty means any.
type Identity struct {
	UserID  string
	Name    string
	Project string
}

// Verifier checks a presented token. Implementations must treat every
// failure as terminal for the connection; there is no anonymous fallback.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
