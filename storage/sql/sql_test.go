package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/storagetest"
)

// newTestStore returns a store on a private in-memory SQLite database. A single
// connection keeps every query on the same database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		return newTestStore(t)
	})
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")

	store, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveClient(ctx, &storage.Client{ClientID: "c1", Public: true}))

	got, err := store.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Public)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestNew_NilDB(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestStore_DeleteExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveVerification(ctx, &storage.Verification{ID: "old", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, store.SaveVerification(ctx, &storage.Verification{ID: "recent", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.SaveVerification(ctx, &storage.Verification{ID: "fresh", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.CreateSession(ctx, &storage.Session{ID: "s-old", Token: "rt-old", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, store.CreateSession(ctx, &storage.Session{ID: "s-forever", Token: "rt-forever"}))

	removed, err := store.DeleteExpired(ctx, now.Add(-storage.DefaultExpiredRetention))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = store.ConsumeVerification(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	recent, err := store.ConsumeVerification(ctx, "recent")
	require.NoError(t, err, "verifications inside the retention window are kept")
	assert.True(t, recent.ExpiresAt.Before(now), "kept verification is still reported as expired")
	_, err = store.ConsumeVerification(ctx, "fresh")
	assert.NoError(t, err)

	_, err = store.GetSession(ctx, "s-old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetSession(ctx, "s-forever")
	assert.NoError(t, err, "sessions without expiry are kept")
}

func TestStore_CreateSessionRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &storage.Session{ID: "s1", Token: "a"}))
	assert.Error(t, store.CreateSession(ctx, &storage.Session{ID: "s1", Token: "b"}))
}

func TestStore_SaveClientKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveClient(ctx, &storage.Client{ClientID: "c1", CreatedAt: created}))

	got, err := store.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, created.Equal(got.CreatedAt))
}
