package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set carried by beacon bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// TokenProvider issues and verifies HS256 bearer tokens encoding a Principal
// and an expiry.
type TokenProvider struct {
	secret []byte
	issuer string
	ttl    time.Duration

	now func() time.Time
}

func NewTokenProvider(secret, issuer string, ttl time.Duration) *TokenProvider {
	return &TokenProvider{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue mints a signed token for the principal. Expiry is now+ttl.
func (p *TokenProvider) Issue(principal Principal) (token string, expiresAt time.Time, err error) {
	now := p.now().UTC()
	expiresAt = now.Add(p.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: principal.Email,
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify validates signature, expiry, and issuer, returning the embedded
// Principal. All validation failures map to ErrInvalidCredentials so callers
// cannot distinguish why a token was rejected.
func (p *TokenProvider) Verify(credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrMissingCredentials
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithIssuer(p.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(p.now))
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidCredentials
	}

	if claims.Subject == "" {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{ID: claims.Subject, Email: claims.Email}, nil
}

var _ Verifier = (*TokenProvider)(nil)
