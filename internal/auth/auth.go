// Package auth resolves bearer tokens into caller identities.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("missing Authorization header")

	// ErrMalformedToken is returned when the header is not "Bearer <token>".
	ErrMalformedToken = errors.New("invalid Authorization header format")
)

// ExtractBearerToken extracts the token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingToken
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMalformedToken
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMalformedToken
	}

	return token, nil
}
