// Package session implements Session Tokens (C5): bearer grants issued on
// successful admission, HMAC-SHA256-signed JWTs carrying {sub, iat, exp,
// roles, profile} (spec §4.5, §6). Follows pkg/auth/middleware.go's bearer
// extraction + validation call shape and pkg/config/profile_loader.go's
// profile -> TTL resolution.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/aegate/internal/config"
)

// Distinct validation failures (spec §4.5: "distinguish Expired,
// BadSignature, Malformed").
var (
	ErrExpired      = errors.New("session: grant expired")
	ErrBadSignature = errors.New("session: bad signature")
	ErrMalformed    = errors.New("session: malformed grant")
)

// Claims is the decoded content of a validated grant.
type Claims struct {
	Subject string
	Roles   []string
	Profile string
	IssuedAt time.Time
	Expiry   time.Time
}

type tokenClaims struct {
	Roles   []string `json:"roles"`
	Profile string   `json:"profile"`
	jwt.RegisteredClaims
}

// Issuer issues and validates session grants using a single symmetric
// secret read once at startup (spec §6: "absence of secret is a fatal
// startup error", enforced by config.Load before an Issuer is ever built).
type Issuer struct {
	secret []byte
	cfg    *config.Config
}

// New returns an Issuer bound to cfg's signing secret and profile table.
func New(cfg *config.Config) *Issuer {
	return &Issuer{secret: []byte(cfg.SessionSecret), cfg: cfg}
}

// Issue mints a grant for subject with the given roles, whose TTL is
// resolved from profile via the configured profile table. An unknown
// profile is an error (spec §9: "surface an error on unknown profile
// rather than silently defaulting").
func (iss *Issuer) Issue(subject string, roles []string, profile string) (string, error) {
	prof, err := iss.cfg.Resolve(profile)
	if err != nil {
		return "", fmt.Errorf("session: issue: %w", err)
	}

	now := time.Now().UTC()
	claims := tokenClaims{
		Roles:   roles,
		Profile: profile,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(prof.TTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(iss.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies grant, returning the distinguished error
// variants above on failure. Callers MUST treat any non-nil error as
// Unauthenticated (spec §4.10 stage 2).
func (iss *Issuer) Validate(grant string) (Claims, error) {
	var claims tokenClaims
	tok, err := jwt.ParseWithClaims(grant, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return iss.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Claims{}, ErrBadSignature
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !tok.Valid {
		return Claims{}, ErrMalformed
	}

	out := Claims{
		Subject: claims.Subject,
		Roles:   claims.Roles,
		Profile: claims.Profile,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.Expiry = claims.ExpiresAt.Time
	}
	return out, nil
}
