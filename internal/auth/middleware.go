package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/beaconlabs/beacon/internal/metrics"
)

type contextKey struct{}

// PrincipalFromContext returns the Principal resolved by Middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Middleware resolves the Principal from the request's bearer token and stores
// it on the request context. Missing credentials produce 401; presented but
// invalid credentials produce 403.
func Middleware(verifier Verifier, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, err := CredentialFromRequest(r)
			if err != nil && IsMissing(err) {
				// AUTH_MODE=none admits callers without any credential.
				if _, ok := verifier.(AllowAllVerifier); !ok {
					m.Inc(metrics.AuthFailure)
					writeAuthError(w, http.StatusUnauthorized, "missing credentials")
					return
				}
				cred = ""
			} else if err != nil {
				m.Inc(metrics.AuthFailure)
				writeAuthError(w, http.StatusForbidden, "invalid credentials")
				return
			}

			principal, err := verifier.Verify(cred)
			if err != nil {
				m.Inc(metrics.AuthFailure)
				if IsMissing(err) {
					writeAuthError(w, http.StatusUnauthorized, "missing credentials")
				} else {
					writeAuthError(w, http.StatusForbidden, "invalid credentials")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, principal)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
