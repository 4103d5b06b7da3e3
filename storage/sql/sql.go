package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Connection pool defaults
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

// Store implements storage.Store on a relational database through gorm
type Store struct {
	db       *gorm.DB
	observer storage.Observer
	logger   *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database named by driver and dsn, configures the
// connection pool and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	sqlDB.SetMaxOpenConns(DefaultMaxOpenConns)
	sqlDB.SetMaxIdleConns(DefaultMaxIdleConns)
	sqlDB.SetConnMaxLifetime(DefaultConnMaxLifetime)

	return New(db)
}

// New wraps an existing gorm handle and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle cannot be nil")
	}
	if err := db.AutoMigrate(&clientRow{}, &verificationRow{}, &sessionRow{}, &userRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, logger: slog.Default()}, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = storage.NewObserver("sql", inst)
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DeleteExpired removes verifications and sessions that expired before the cutoff.
// Run it periodically with a cutoff of time.Now().Add(-storage.DefaultExpiredRetention)
// so a late exchange of a recently expired code is still reported as expired.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "delete_expired")
	defer func() { done(err) }()

	// Expiry columns are written in UTC; SQLite compares timestamps as text.
	cutoff = cutoff.UTC()
	var removed int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("expires_at < ? AND expires_at > ?", cutoff, time.Time{}).Delete(&verificationRow{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected

		res = tx.Where("expires_at < ? AND expires_at > ?", cutoff, time.Time{}).Delete(&sessionRow{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "count", removed)
	}
	return removed, nil
}

// ============================================================
// Schema
// ============================================================

type clientRow struct {
	ClientID         string    `gorm:"primaryKey;size:255"`
	ClientSecretHash string    `gorm:"size:255"`
	ClientName       string    `gorm:"size:255"`
	RedirectURIs     []string  `gorm:"serializer:json"`
	Public           bool
	AllowedScopes    []string  `gorm:"serializer:json"`
	Disabled         bool
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
}

func (clientRow) TableName() string { return "oauth_clients" }

type verificationRow struct {
	ID        string    `gorm:"primaryKey;size:255"`
	Value     string    `gorm:"type:text"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (verificationRow) TableName() string { return "oauth_verifications" }

type sessionRow struct {
	ID        string    `gorm:"primaryKey;size:255"`
	UserID    string    `gorm:"size:255;index"`
	ClientID  string    `gorm:"size:255;index"`
	Token     string    `gorm:"size:255;index"`
	Scopes    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
	ExpiresAt time.Time `gorm:"index"`
}

func (sessionRow) TableName() string { return "oauth_sessions" }

type userRow struct {
	ID            string `gorm:"primaryKey;size:255"`
	Name          string
	GivenName     string
	FamilyName    string
	Email         string `gorm:"size:255;index"`
	EmailVerified bool
	Image         string
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (userRow) TableName() string { return "oauth_users" }

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return errors.New("client ID cannot be empty")
	}
	row := clientRow(*client)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	var row clientRow
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&row).Error; err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	client := storage.Client(row)
	return &client, nil
}

// ============================================================
// VerificationStore Implementation
// ============================================================

// SaveVerification stores a one-time value under its ID
func (s *Store) SaveVerification(ctx context.Context, v *storage.Verification) (err error) {
	ctx, done := s.observer.Start(ctx, "save_verification")
	defer func() { done(err) }()

	if v == nil || v.ID == "" {
		return errors.New("verification ID cannot be empty")
	}
	row := verificationRow(*v)
	row.ExpiresAt = row.ExpiresAt.UTC()
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save verification: %w", err)
	}
	return nil
}

// ConsumeVerification selects and deletes the row in one transaction. Only the
// caller whose DELETE affects the row gets it back.
func (s *Store) ConsumeVerification(ctx context.Context, id string) (_ *storage.Verification, err error) {
	ctx, done := s.observer.Start(ctx, "consume_verification")
	defer func() { done(err) }()

	var row verificationRow
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if notFound(err) {
				return storage.ErrNotFound
			}
			return err
		}
		res := tx.Where("id = ?", id).Delete(&verificationRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume verification: %w", err)
	}

	s.logger.Debug("Consumed verification",
		"id_prefix", util.SafeTruncate(id, 8))

	v := storage.Verification(row)
	return &v, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession stores a new session. A duplicate ID fails on the primary key.
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, done := s.observer.Start(ctx, "create_session")
	defer func() { done(err) }()

	if session == nil || session.ID == "" {
		return errors.New("session ID cannot be empty")
	}
	row := sessionRow(*session)
	row.ExpiresAt = row.ExpiresAt.UTC()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (_ *storage.Session, err error) {
	ctx, done := s.observer.Start(ctx, "get_session")
	defer func() { done(err) }()

	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if notFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session := storage.Session(row)
	return &session, nil
}

// GetSessionByToken retrieves the session whose current refresh token equals token
func (s *Store) GetSessionByToken(ctx context.Context, token string) (_ *storage.Session, err error) {
	ctx, done := s.observer.Start(ctx, "get_session_by_token")
	defer func() { done(err) }()

	if token == "" {
		return nil, storage.ErrNotFound
	}

	var row sessionRow
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		if notFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	session := storage.Session(row)
	return &session, nil
}

// RotateSession is a compare-and-swap on the token column. When no row matches,
// a second lookup decides between ErrNotFound and ErrConflict.
func (s *Store) RotateSession(ctx context.Context, id, oldToken, newToken string, expiresAt time.Time) (err error) {
	ctx, done := s.observer.Start(ctx, "rotate_session")
	defer func() { done(err) }()

	db := s.db.WithContext(ctx)
	res := db.Model(&sessionRow{}).
		Where("id = ? AND token = ?", id, oldToken).
		Updates(map[string]any{
			"token":      newToken,
			"expires_at": expiresAt.UTC(),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to rotate session: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := db.Model(&sessionRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	s.logger.Debug("Refresh token rotation lost race", "session_id", id)
	return storage.ErrConflict
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user record
func (s *Store) SaveUser(ctx context.Context, user *storage.User) (err error) {
	ctx, done := s.observer.Start(ctx, "save_user")
	defer func() { done(err) }()

	if user == nil || user.ID == "" {
		return errors.New("user ID cannot be empty")
	}
	row := userRow(*user)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (_ *storage.User, err error) {
	ctx, done := s.observer.Start(ctx, "get_user")
	defer func() { done(err) }()

	var row userRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if notFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user := storage.User(row)
	return &user, nil
}
