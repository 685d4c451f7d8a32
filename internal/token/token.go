// Package token mints and verifies the short-lived, signed session tokens
// clients hold for the lifetime of one moment stay. It uses a single
// symmetric signing algorithm, a closed claim set, and no login/refresh
// flow: issuance here is always tied to a Session Manager call, never to
// user credentials.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "ember"
	audience = "ember-gateway"
)

// Code is the closed failure taxonomy for token verification.
type Code string

const (
	CodeInvalid Code = "invalid_token"
	CodeExpired Code = "expired_token"
)

// Error carries a closed Code alongside a human-readable message, a typed
// error rather than a bare string.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Claims is the closed payload carried by a session token.
type Claims struct {
	SessionID string `json:"sid"`
	MomentID  string `json:"mid"`
	jwt.RegisteredClaims
}

// Service issues and verifies tokens with a single process-wide HMAC secret.
type Service struct {
	secret []byte
	expiry time.Duration
}

// New constructs a Service. secret must be at least 32 bytes; this is
// enforced by internal/config before the secret ever reaches here.
func New(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(secret), expiry: expiry}
}

// Issue mints a signed token bound to sessionID and momentID, expiring after
// the service's configured duration (default 24h).
func (s *Service) Issue(sessionID, momentID string) (tokenString string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(s.expiry)

	claims := Claims{
		SessionID: sessionID,
		MomentID:  momentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err = t.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// Verify decodes and validates a token, returning its session and moment
// ids. The algorithm whitelist contains exactly one entry (HS256); any other
// alg in the header, including "none", is rejected before the signature is
// even checked.
func (s *Service) Verify(tokenString string) (sessionID, momentID string, err error) {
	claims := &Claims{}

	parsed, parseErr := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience))

	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return "", "", &Error{Code: CodeExpired, Err: parseErr}
		}
		return "", "", &Error{Code: CodeInvalid, Err: parseErr}
	}
	if !parsed.Valid {
		return "", "", &Error{Code: CodeInvalid}
	}
	if claims.SessionID == "" || claims.MomentID == "" {
		return "", "", &Error{Code: CodeInvalid, Err: errors.New("missing session or moment claim")}
	}

	return claims.SessionID, claims.MomentID, nil
}
