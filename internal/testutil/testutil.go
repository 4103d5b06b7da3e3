package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HashSecret bcrypt-hashes a client secret at minimum cost to keep tests fast
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash client secret: %v", err)
	}
	return string(hash)
}

// NewConfidentialClient returns a client fixture whose secret hash matches secret
func NewConfidentialClient(t testing.TB, clientID, secret string, redirectURIs ...string) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: HashSecret(t, secret),
		ClientName:       "Test Client " + clientID,
		RedirectURIs:     redirectURIs,
		CreatedAt:        time.Now(),
	}
}

// NewPublicClient returns a client fixture without a secret
func NewPublicClient(clientID string, redirectURIs ...string) *storage.Client {
	return &storage.Client{
		ClientID:     clientID,
		ClientName:   "Public Client " + clientID,
		RedirectURIs: redirectURIs,
		Public:       true,
		CreatedAt:    time.Now(),
	}
}

// NewTestUser returns a user fixture with profile and email claims populated
func NewTestUser(id string) *storage.User {
	return &storage.User{
		ID:            id,
		Name:          "Test User",
		GivenName:     "Test",
		FamilyName:    "User",
		Email:         id + "@example.com",
		EmailVerified: true,
		Image:         "https://example.com/avatars/" + id + ".png",
		UpdatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
