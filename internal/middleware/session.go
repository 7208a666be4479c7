package middleware

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// ContextKey is a type for context keys.
type ContextKey string

// SessionClaimsKey is the context key for verified session claims.
const SessionClaimsKey ContextKey = "session_claims"

const tokenIssuer = "session-wallet"

// DefaultTokenTTL is used when the issuer has no TTL.
const DefaultTokenTTL = 15 * time.Minute

// SessionGate reports which unlocked session is current.
type SessionGate interface {
	Generation() uint64
	Active(generation uint64) bool
}

// SessionClaims bind a bearer token to one unlocked session.
type SessionClaims struct {
	Generation uint64 `json:"gen"`
	jwt.RegisteredClaims
}

// SessionTokens issues and verifies HS256 bearer tokens. The secret is random
// per process and a token is valid only while the session generation it was
// issued under stays unlocked, so logout revokes every token.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration
	gate   SessionGate
	now    func() time.Time
}

// NewSessionTokens creates a token issuer over gate.
func NewSessionTokens(gate SessionGate, ttl time.Duration) (*SessionTokens, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &SessionTokens{secret: secret, ttl: ttl, gate: gate, now: time.Now}, nil
}

// Issue returns a token for the current session.
func (t *SessionTokens) Issue(subject string) (string, time.Time, error) {
	gen := t.gate.Generation()
	if !t.gate.Active(gen) {
		return "", time.Time{}, apperrors.ErrSessionLocked
	}

	now := t.now()
	expires := now.Add(t.ttl)
	claims := SessionClaims{
		Generation: gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses a token and checks its session is still unlocked.
func (t *SessionTokens) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, apperrors.ErrUnauthorized
	}
	if !t.gate.Active(claims.Generation) {
		return nil, apperrors.WithDetail(apperrors.ErrSessionLocked, "token was issued for a session that has ended")
	}
	return claims, nil
}

// Require rejects requests without a valid bearer token for the current
// session.
func (t *SessionTokens) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			WriteError(w, apperrors.WithDetail(apperrors.ErrUnauthorized, "missing bearer token"))
			return
		}

		claims, err := t.Verify(strings.TrimSpace(token))
		if err != nil {
			appErr, _ := apperrors.IsAppError(err)
			WriteError(w, appErr)
			return
		}

		StripCredentialHeaders(r.Header)
		ctx := context.WithValue(r.Context(), SessionClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSessionClaims returns the claims verified by Require.
func GetSessionClaims(ctx context.Context) (*SessionClaims, bool) {
	claims, ok := ctx.Value(SessionClaimsKey).(*SessionClaims)
	return claims, ok
}
