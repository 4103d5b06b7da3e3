package signer

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// MinHMACSecretLength is the shortest accepted HS256 secret
const MinHMACSecretLength = 32

// HMACSigner signs JWTs with a shared HS256 secret. Resource servers verifying
// these tokens need the same secret, so there is no JWKS.
type HMACSigner struct {
	secret   []byte
	issuer   string
	audience []string
}

var _ Signer = (*HMACSigner)(nil)

// NewHMACSigner creates an HS256 signer
func NewHMACSigner(secret []byte, issuer string, audience []string) (*HMACSigner, error) {
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d", MinHMACSecretLength, len(secret))
	}
	if issuer == "" {
		return nil, ErrNoIssuer
	}
	return &HMACSigner{
		secret:   slices.Clone(secret),
		issuer:   issuer,
		audience: slices.Clone(audience),
	}, nil
}

// Sign serializes claims as an HS256 JWT
func (s *HMACSigner) Sign(_ context.Context, claims map[string]any) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims))
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Issuer returns the configured issuer
func (s *HMACSigner) Issuer() string { return s.issuer }

// Audience returns a copy of the default audience
func (s *HMACSigner) Audience() []string { return slices.Clone(s.audience) }

// Algorithm returns "HS256"
func (s *HMACSigner) Algorithm() string { return jwt.SigningMethodHS256.Alg() }
