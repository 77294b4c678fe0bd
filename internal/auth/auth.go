// Package auth resolves the authenticated Principal for HTTP requests and
// WebSocket connections from bearer tokens, and issues those tokens at login.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/beaconlabs/beacon/internal/config"
)

var (
	// ErrMissingCredentials means no token was presented at all. Maps to 401.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidCredentials means a token was presented but failed signature,
	// expiry, or claim validation. Maps to 403.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is the stable identity of an authenticated caller. Immutable for
// the lifetime of the request or connection it was resolved for.
type Principal struct {
	ID    string
	Email string
}

// Verifier validates a bearer credential and resolves its Principal.
type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAllVerifier{}, nil
	case config.AuthModeJWT:
		return NewTokenProvider(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL), nil
	default:
		return nil, errors.New("unsupported auth mode " + string(cfg.AuthMode))
	}
}

// AllowAllVerifier admits every caller as a fixed anonymous principal. Dev use
// only (AUTH_MODE=none).
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(string) (Principal, error) {
	return Principal{ID: "anonymous"}, nil
}

// CredentialFromRequest extracts a bearer token from the Authorization header,
// falling back to the `token` query parameter (used by WebSocket dials, which
// cannot set headers from browsers).
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// IsMissing reports whether err represents absent credentials, as opposed to
// credentials that were presented and rejected.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissingCredentials)
}
