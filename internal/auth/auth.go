// Package auth checks the shared client token on gateway write routes.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a client token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty stored token accepts
// nothing.
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

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value.
func ParseBearer(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrUnauthorized
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// CheckBearer parses header and validates the token it carries.
func CheckBearer(v Validator, header string) error {
	token, err := ParseBearer(header)
	if err != nil {
		return err
	}
	return v.Validate(token)
}
