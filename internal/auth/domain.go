// Package auth guards the API with a single-operator passphrase and Redis
// backed bearer tokens.
package auth

import (
	"errors"
	"time"
)

// Session is one issued bearer token.
type Session struct {
	Token     string
	Actor     string
	ExpiresAt time.Time
}

// ErrSessionNotFound indicates an unknown or expired token.
var ErrSessionNotFound = errors.New("auth: session not found")
