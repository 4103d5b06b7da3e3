package signer

import (
	"context"
	"errors"
)

// ErrNoIssuer is returned by constructors when no issuer is configured
var ErrNoIssuer = errors.New("issuer is required")

// Signer turns a claim set into a compact signed token.
// Implementations must be safe for concurrent use.
type Signer interface {
	// Sign serializes and signs claims. Claims are passed as-is; the caller sets
	// iss, aud, iat and exp.
	Sign(ctx context.Context, claims map[string]any) (string, error)

	// Issuer is the iss value tokens from this signer carry
	Issuer() string

	// Audience is the default audience for access tokens
	Audience() []string

	// Algorithm is the JWS alg this signer produces (e.g. "RS256")
	Algorithm() string
}
