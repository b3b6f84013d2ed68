package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// ExtensionContext holds the authenticated extension's identity and profile.
type ExtensionContext struct {
	ExtensionID string
	Name        string
	Profile     string
}

// Authenticator validates an API key and returns the extension context.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*ExtensionContext, error)
}

// ExtractBearerToken extracts the token from "Authorization: Bearer <token>".
// The "Bearer" scheme is matched case-insensitively per RFC 6750.
func ExtractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// ValidKeyFormat reports whether a token looks like an hgk_ API key. Format
// checks happen before any cache or database work.
func ValidKeyFormat(token string) bool {
	return len(token) >= 8 && strings.HasPrefix(token, "hgk_")
}
