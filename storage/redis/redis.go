package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces every key written by the store
	DefaultKeyPrefix = "oauth:"

	// DefaultExpiredRetention keeps verifications past their expiry so a late
	// exchange is reported as expired rather than unknown.
	DefaultExpiredRetention = storage.DefaultExpiredRetention
)

// Key types
const (
	keyClient       = "client"
	keyVerification = "verification"
	keySession      = "session"
	keySessionToken = "session_token"
	keyUser         = "user"
)

// Config holds Redis connection configuration
type Config struct {
	// Addrs lists Redis endpoints. One address selects a single node client;
	// several select a cluster client. With MasterName set they are sentinel addresses.
	Addrs []string

	// MasterName enables Sentinel failover
	MasterName string

	Username string
	Password string
	DB       int

	// KeyPrefix namespaces keys for multi-tenancy (default: "oauth:")
	KeyPrefix string

	// ExpiredRetention is how long an expired verification stays readable (default: 5 minutes)
	ExpiredRetention time.Duration

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store implements storage.Store on Redis
type Store struct {
	client           redis.UniversalClient
	keyPrefix        string
	expiredRetention time.Duration
	observer         storage.Observer
	logger           *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.ExpiredRetention > 0 {
		s.expiredRetention = cfg.ExpiredRetention
	}
	return s, nil
}

// NewWithClient wraps a pre-configured client. This is useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:           client,
		keyPrefix:        keyPrefix,
		expiredRetention: DefaultExpiredRetention,
		logger:           slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = storage.NewObserver("redis", inst)
}

// Close closes the Redis client connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check)
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

// tokenKey indexes sessions by a digest of the refresh token so raw tokens never
// appear in key names.
func (s *Store) tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.key(keySessionToken, hex.EncodeToString(sum[:]))
}

// ttlUntil converts an absolute expiry to a key TTL. Zero means no expiry.
func ttlUntil(expiresAt time.Time, extra time.Duration) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(expiresAt) + extra
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// -----------------------
// ClientStore
// -----------------------

type storedClient struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"`
	ClientName       string    `json:"client_name,omitempty"`
	RedirectURIs     []string  `json:"redirect_uris"`
	Public           bool      `json:"public"`
	AllowedScopes    []string  `json:"allowed_scopes,omitempty"`
	Disabled         bool      `json:"disabled,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SaveClient creates or replaces a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return errors.New("client ID cannot be empty")
	}

	data, err := json.Marshal(storedClient(*client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	return s.client.Set(ctx, s.key(keyClient, client.ClientID), data, 0).Err()
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	data, err := s.client.Get(ctx, s.key(keyClient, clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	client := storage.Client(stored)
	return &client, nil
}

// -----------------------
// VerificationStore
// -----------------------

type storedVerification struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveVerification stores a one-time value. The key outlives ExpiresAt by the
// configured retention so expiry can still be reported.
func (s *Store) SaveVerification(ctx context.Context, v *storage.Verification) (err error) {
	ctx, done := s.observer.Start(ctx, "save_verification")
	defer func() { done(err) }()

	if v == nil || v.ID == "" {
		return errors.New("verification ID cannot be empty")
	}

	data, err := json.Marshal(storedVerification{
		Value:     v.Value,
		ExpiresAt: v.ExpiresAt,
		CreatedAt: v.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal verification: %w", err)
	}

	ttl := ttlUntil(v.ExpiresAt, s.expiredRetention)
	return s.client.Set(ctx, s.key(keyVerification, v.ID), data, ttl).Err()
}

// ConsumeVerification reads and deletes the value with a single GETDEL, so
// concurrent callers cannot both observe it.
func (s *Store) ConsumeVerification(ctx context.Context, id string) (_ *storage.Verification, err error) {
	ctx, done := s.observer.Start(ctx, "consume_verification")
	defer func() { done(err) }()

	data, err := s.client.GetDel(ctx, s.key(keyVerification, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume verification: %w", err)
	}

	var stored storedVerification
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification: %w", err)
	}

	s.logger.Debug("Consumed verification",
		"id_prefix", util.SafeTruncate(id, 8))

	return &storage.Verification{
		ID:        id,
		Value:     stored.Value,
		ExpiresAt: stored.ExpiresAt,
		CreatedAt: stored.CreatedAt,
	}, nil
}

// -----------------------
// SessionStore
// -----------------------

type storedSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	ClientID  string    `json:"client_id"`
	Token     string    `json:"token,omitempty"`
	Scopes    string    `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession stores a new session and indexes its refresh token
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, done := s.observer.Start(ctx, "create_session")
	defer func() { done(err) }()

	if session == nil || session.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	data, err := json.Marshal(storedSession(*session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := ttlUntil(session.ExpiresAt, 0)
	created, err := s.client.SetNX(ctx, s.key(keySession, session.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		return fmt.Errorf("session %q already exists", session.ID)
	}

	if session.Token != "" {
		if err := s.client.Set(ctx, s.tokenKey(session.Token), session.ID, ttl).Err(); err != nil {
			return fmt.Errorf("failed to index session token: %w", err)
		}
	}
	return nil
}

// stringGetter is satisfied by both the client and a WATCH transaction
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) loadSession(ctx context.Context, getter stringGetter, id string) (*storage.Session, error) {
	data, err := getter.Get(ctx, s.key(keySession, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session := storage.Session(stored)
	return &session, nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (_ *storage.Session, err error) {
	ctx, done := s.observer.Start(ctx, "get_session")
	defer func() { done(err) }()

	return s.loadSession(ctx, s.client, id)
}

// GetSessionByToken resolves the token index and confirms the session still
// carries that token, so a stale index entry never matches.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (_ *storage.Session, err error) {
	ctx, done := s.observer.Start(ctx, "get_session_by_token")
	defer func() { done(err) }()

	if token == "" {
		return nil, storage.ErrNotFound
	}

	id, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve session token: %w", err)
	}

	session, err := s.loadSession(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if session.Token != token {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// RotateSession swaps the refresh token under WATCH. Any concurrent write to the
// session aborts the transaction, which is reported as ErrConflict.
func (s *Store) RotateSession(ctx context.Context, id, oldToken, newToken string, expiresAt time.Time) (err error) {
	ctx, done := s.observer.Start(ctx, "rotate_session")
	defer func() { done(err) }()

	sessionKey := s.key(keySession, id)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		session, err := s.loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if session.Token != oldToken {
			return storage.ErrConflict
		}

		session.Token = newToken
		session.ExpiresAt = expiresAt
		session.UpdatedAt = time.Now()

		data, err := json.Marshal(storedSession(*session))
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		ttl := ttlUntil(expiresAt, 0)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey, data, ttl)
			if oldToken != "" {
				pipe.Del(ctx, s.tokenKey(oldToken))
			}
			if newToken != "" {
				pipe.Set(ctx, s.tokenKey(newToken), id, ttl)
			}
			return nil
		})
		return err
	}, sessionKey)

	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Debug("Refresh token rotation lost race", "session_id", id)
		return storage.ErrConflict
	}
	return err
}

// -----------------------
// UserStore
// -----------------------

type storedUser struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	GivenName     string    `json:"given_name,omitempty"`
	FamilyName    string    `json:"family_name,omitempty"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	Image         string    `json:"image,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SaveUser creates or replaces a user record. Users do not expire.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) (err error) {
	ctx, done := s.observer.Start(ctx, "save_user")
	defer func() { done(err) }()

	if user == nil || user.ID == "" {
		return errors.New("user ID cannot be empty")
	}

	data, err := json.Marshal(storedUser(*user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return s.client.Set(ctx, s.key(keyUser, user.ID), data, 0).Err()
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (_ *storage.User, err error) {
	ctx, done := s.observer.Start(ctx, "get_user")
	defer func() { done(err) }()

	data, err := s.client.Get(ctx, s.key(keyUser, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	user := storage.User(stored)
	return &user, nil
}
