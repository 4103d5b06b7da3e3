// Package storagetest provides a conformance suite that every storage backend runs
// against its own constructor.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/storage"
)

// Backend is a storage.Store that can also seed users. Users are provisioned
// outside the authorization server, so SaveUser is not part of storage.Store.
type Backend interface {
	storage.Store
	SaveUser(ctx context.Context, user *storage.User) error
}

// Run executes the conformance suite. newBackend must return an empty backend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newBackend(t)) })
	t.Run("ConsumeVerificationOnce", func(t *testing.T) { testConsumeOnce(t, newBackend(t)) })
	t.Run("ConsumeVerificationConcurrent", func(t *testing.T) { testConsumeConcurrent(t, newBackend(t)) })
	t.Run("ConsumeExpiredVerification", func(t *testing.T) { testConsumeExpired(t, newBackend(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newBackend(t)) })
	t.Run("RotateSession", func(t *testing.T) { testRotateSession(t, newBackend(t)) })
	t.Run("RotateSessionConcurrent", func(t *testing.T) { testRotateConcurrent(t, newBackend(t)) })
	t.Run("RotateSessionToEmptyToken", func(t *testing.T) { testRotateToEmpty(t, newBackend(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newBackend(t)) })
}

func testClients(t *testing.T, b Backend) {
	ctx := context.Background()

	client := &storage.Client{
		ClientID:         "c1",
		ClientSecretHash: "$2a$04$hash",
		ClientName:       "Client One",
		RedirectURIs:     []string{"https://app.example.com/cb", "http://127.0.0.1/cb"},
		AllowedScopes:    []string{"openid", "email"},
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, b.SaveClient(ctx, client))

	got, err := b.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, client.ClientSecretHash, got.ClientSecretHash)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.AllowedScopes, got.AllowedScopes)
	assert.False(t, got.Public)
	assert.False(t, got.Disabled)

	// Mutating a returned record does not affect the stored one
	got.RedirectURIs[0] = "https://evil.example.com"
	again, err := b.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/cb", again.RedirectURIs[0])

	// Save replaces
	client.Disabled = true
	require.NoError(t, b.SaveClient(ctx, client))
	replaced, err := b.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, replaced.Disabled)

	_, err = b.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConsumeOnce(t *testing.T, b Backend) {
	ctx := context.Background()

	v := &storage.Verification{
		ID:        "code-abc",
		Value:     `{"userId":"u1"}`,
		ExpiresAt: time.Now().Add(10 * time.Minute),
		CreatedAt: time.Now(),
	}
	require.NoError(t, b.SaveVerification(ctx, v))

	got, err := b.ConsumeVerification(ctx, "code-abc")
	require.NoError(t, err)
	assert.Equal(t, v.Value, got.Value)
	assert.WithinDuration(t, v.ExpiresAt, got.ExpiresAt, time.Second)

	_, err = b.ConsumeVerification(ctx, "code-abc")
	assert.ErrorIs(t, err, storage.ErrNotFound, "second consume must miss")

	_, err = b.ConsumeVerification(ctx, "never-issued")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConsumeConcurrent(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveVerification(ctx, &storage.Verification{
		ID:        "race-code",
		Value:     "payload",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	const workers = 20
	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := b.ConsumeVerification(ctx, "race-code")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrNotFound):
				misses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one consumer must win")
	assert.Equal(t, int32(workers-1), misses.Load())
}

func testConsumeExpired(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveVerification(ctx, &storage.Verification{
		ID:        "stale",
		Value:     "payload",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	got, err := b.ConsumeVerification(ctx, "stale")
	require.NoError(t, err, "expired records are still returned so callers can report expiry")
	assert.True(t, got.ExpiresAt.Before(time.Now()))

	_, err = b.ConsumeVerification(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func newSession(id, token string) *storage.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.Session{
		ID:        id,
		UserID:    "u1",
		ClientID:  "c1",
		Token:     token,
		Scopes:    storage.JoinSessionScopes([]string{"openid", "offline_access"}),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func testSessions(t *testing.T, b Backend) {
	ctx := context.Background()

	session := newSession("s1", "rt-1")
	require.NoError(t, b.CreateSession(ctx, session))

	got, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", got.Token)
	assert.Equal(t, []string{"openid", "offline_access"}, got.ScopeList())
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "c1", got.ClientID)

	byToken, err := b.GetSessionByToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", byToken.ID)

	_, err = b.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.GetSessionByToken(ctx, "unknown-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A session without a refresh token is never found by an empty token
	require.NoError(t, b.CreateSession(ctx, newSession("s-empty", "")))
	_, err = b.GetSessionByToken(ctx, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRotateSession(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, newSession("s1", "rt-1")))

	newExpiry := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, b.RotateSession(ctx, "s1", "rt-1", "rt-2", newExpiry))

	got, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "rt-2", got.Token)
	assert.WithinDuration(t, newExpiry, got.ExpiresAt, time.Second)

	_, err = b.GetSessionByToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "rotated-out token must stop resolving")

	byToken, err := b.GetSessionByToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.Equal(t, "s1", byToken.ID)

	// Presenting the stale token loses
	err = b.RotateSession(ctx, "s1", "rt-1", "rt-3", newExpiry)
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = b.RotateSession(ctx, "missing", "rt-1", "rt-3", newExpiry)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRotateConcurrent(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, newSession("s1", "rt-0")))

	const workers = 10
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			err := b.RotateSession(ctx, "s1", "rt-0", "rt-next-"+string(rune('a'+n)), time.Now().Add(time.Hour))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one rotation must win")
}

func testRotateToEmpty(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, newSession("s1", "rt-1")))

	require.NoError(t, b.RotateSession(ctx, "s1", "rt-1", "", time.Now().Add(time.Hour)))

	got, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Token)

	_, err = b.GetSessionByToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.GetSessionByToken(ctx, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUsers(t *testing.T, b Backend) {
	ctx := context.Background()

	user := &storage.User{
		ID:            "u1",
		Name:          "Ada Lovelace",
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
		Email:         "ada@example.com",
		EmailVerified: true,
		Image:         "https://example.com/ada.png",
		UpdatedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.SaveUser(ctx, user))

	got, err := b.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, user.Email, got.Email)
	assert.True(t, got.EmailVerified)
	assert.Equal(t, user.GivenName, got.GivenName)
	assert.True(t, user.UpdatedAt.Equal(got.UpdatedAt))

	_, err = b.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
