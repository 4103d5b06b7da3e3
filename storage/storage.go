// Package storage defines interfaces for persisting OAuth clients, authorization codes,
// refresh-token sessions, and the users they belong to.
// It supports various backend implementations including in-memory, Redis, and SQL databases.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist (or has already been consumed)
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by RotateSession when the stored refresh token no longer
	// matches the token the caller validated against
	ErrConflict = errors.New("conflict: record was modified concurrently")
)

// DefaultExpiredRetention is how long backends keep a verification past its expiry
// before sweeping it, so a late exchange is reported as expired rather than unknown.
const DefaultExpiredRetention = 5 * time.Minute

// ClientStore provides lookup of registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if it does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// VerificationStore holds one-time values with an expiry, such as authorization codes.
type VerificationStore interface {
	// SaveVerification stores a verification value under its ID
	SaveVerification(ctx context.Context, v *Verification) error

	// ConsumeVerification atomically retrieves and deletes a verification value.
	// Of any number of concurrent callers for the same ID, at most one receives the record;
	// all others get ErrNotFound. Expired records are still returned (and deleted) so the
	// caller can distinguish "expired" from "unknown".
	//
	// SECURITY: This operation MUST be atomic. It is the only replay defense for
	// authorization codes.
	ConsumeVerification(ctx context.Context, id string) (*Verification, error)
}

// SessionStore persists refresh-token-bearing sessions.
type SessionStore interface {
	// CreateSession stores a new session
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID
	GetSession(ctx context.Context, id string) (*Session, error)

	// GetSessionByToken retrieves the session whose current refresh token equals token.
	// An empty token never matches.
	GetSessionByToken(ctx context.Context, token string) (*Session, error)

	// RotateSession replaces the refresh token of session id with newToken and sets a new
	// expiry, but only if the stored token still equals oldToken. Returns ErrConflict
	// otherwise and ErrNotFound if the session is gone.
	RotateSession(ctx context.Context, id, oldToken, newToken string, expiresAt time.Time) error
}

// UserStore resolves users referenced by authorization codes and sessions.
type UserStore interface {
	// GetUser retrieves a user by ID. Returns ErrNotFound if the user does not exist.
	GetUser(ctx context.Context, id string) (*User, error)
}

// Store bundles every store the authorization server needs.
// The memory, redis and sql packages all implement it.
type Store interface {
	ClientStore
	VerificationStore
	SessionStore
	UserStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientName       string
	RedirectURIs     []string
	Public           bool
	AllowedScopes    []string // optional allowlist; empty means no client-level restriction
	Disabled         bool
	CreatedAt        time.Time
}

// Verification is a one-time value with an expiry. Authorization codes are stored as
// verifications keyed by the code, with the encoded code payload in Value.
type Verification struct {
	ID        string
	Value     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Session is a refresh-token-bearing session. Token always holds the most recently
// issued, not yet used refresh token; it is rotated in place on every refresh.
type Session struct {
	ID        string
	UserID    string // empty for sessions that did not originate from a user
	ClientID  string
	Token     string
	Scopes    string // comma-joined
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// ScopeList returns the session's scopes as a slice
func (s *Session) ScopeList() []string {
	if s.Scopes == "" {
		return nil
	}
	return strings.Split(s.Scopes, ",")
}

// JoinSessionScopes joins scopes in the comma-separated form stored on a Session
func JoinSessionScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

// User is the subset of a user record that token issuance needs
type User struct {
	ID            string
	Name          string
	GivenName     string
	FamilyName    string
	Email         string
	EmailVerified bool
	Image         string
	UpdatedAt     time.Time
}
