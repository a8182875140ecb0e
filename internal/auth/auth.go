// Package auth validates the token carried in a session handshake.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a handshake token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty configured token
// denies everything; use AllowAll for open listeners.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// AllowAll accepts any token, including none.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// ForToken returns StaticToken for a configured token and AllowAll when the
// token is blank.
func ForToken(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return AllowAll{}
	}
	return StaticToken{Token: token}
}
