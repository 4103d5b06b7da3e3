package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// tokenIDLogLength is the number of characters to include when logging code or token prefixes
const tokenIDLogLength = 8

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	verifications map[string]*storage.Verification
	sessions      map[string]*storage.Session
	sessionByTok  map[string]string // current refresh token -> session ID
	users         map[string]*storage.User

	observer storage.Observer
	logger   *slog.Logger
	now      func() time.Time

	cleanupInterval  time.Duration
	expiredRetention time.Duration
	stopCleanup      chan struct{}
	stopOnce         sync.Once
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.VerificationStore = (*Store)(nil)
	_ storage.SessionStore      = (*Store)(nil)
	_ storage.UserStore         = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		verifications:    make(map[string]*storage.Verification),
		sessions:         make(map[string]*storage.Session),
		sessionByTok:     make(map[string]string),
		users:            make(map[string]*storage.User),
		logger:           slog.Default(),
		now:              time.Now,
		cleanupInterval:  cleanupInterval,
		expiredRetention: storage.DefaultExpiredRetention,
		stopCleanup:      make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = storage.NewObserver("memory", inst)
}

// SetClock overrides the time source used for expiry sweeps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetExpiredRetention sets how long an expired verification stays readable before the
// cleanup sweep removes it. Default: storage.DefaultExpiredRetention. Zero or negative
// values sweep verifications as soon as they expire.
func (s *Store) SetExpiredRetention(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if retention < 0 {
		retention = 0
	}
	s.expiredRetention = retention
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.observer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
	}
	return cloneClient(client), nil
}

// ============================================================
// VerificationStore Implementation
// ============================================================

// SaveVerification stores a one-time value under its ID
func (s *Store) SaveVerification(ctx context.Context, v *storage.Verification) (err error) {
	_, done := s.observer.Start(ctx, "save_verification")
	defer func() { done(err) }()

	if v == nil || v.ID == "" {
		return fmt.Errorf("verification ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.verifications[v.ID] = &cp
	return nil
}

// ConsumeVerification removes and returns the value stored under id.
// The map delete happens under the write lock, so exactly one caller wins.
func (s *Store) ConsumeVerification(ctx context.Context, id string) (_ *storage.Verification, err error) {
	_, done := s.observer.Start(ctx, "consume_verification")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.verifications[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.verifications, id)

	s.logger.Debug("Consumed verification",
		"id_prefix", util.SafeTruncate(id, tokenIDLogLength))
	return v, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession stores a new session
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	_, done := s.observer.Start(ctx, "create_session")
	defer func() { done(err) }()

	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %q already exists", session.ID)
	}

	cp := *session
	s.sessions[cp.ID] = &cp
	if cp.Token != "" {
		s.sessionByTok[cp.Token] = cp.ID
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (_ *storage.Session, err error) {
	_, done := s.observer.Start(ctx, "get_session")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// GetSessionByToken retrieves the session whose current refresh token equals token
func (s *Store) GetSessionByToken(ctx context.Context, token string) (_ *storage.Session, err error) {
	_, done := s.observer.Start(ctx, "get_session_by_token")
	defer func() { done(err) }()

	if token == "" {
		return nil, storage.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessionByTok[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.sessions[id]
	return &cp, nil
}

// RotateSession swaps the session's refresh token if it still equals oldToken
func (s *Store) RotateSession(ctx context.Context, id, oldToken, newToken string, expiresAt time.Time) (err error) {
	_, done := s.observer.Start(ctx, "rotate_session")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if session.Token != oldToken {
		s.logger.Debug("Refresh token rotation lost race",
			"session_id", id)
		return storage.ErrConflict
	}

	if session.Token != "" {
		delete(s.sessionByTok, session.Token)
	}
	session.Token = newToken
	session.ExpiresAt = expiresAt
	session.UpdatedAt = s.now()
	if newToken != "" {
		s.sessionByTok[newToken] = id
	}
	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user record
func (s *Store) SaveUser(ctx context.Context, user *storage.User) (err error) {
	_, done := s.observer.Start(ctx, "save_user")
	defer func() { done(err) }()

	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[cp.ID] = &cp
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (_ *storage.User, err error) {
	_, done := s.observer.Start(ctx, "get_user")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops sessions past their expiry and verifications past their expiry plus
// the retention window
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, v := range s.verifications {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt.Add(s.expiredRetention)) {
			delete(s.verifications, id)
			cleaned++
		}
	}

	for id, session := range s.sessions {
		if !session.ExpiresAt.IsZero() && now.After(session.ExpiresAt) {
			if session.Token != "" {
				delete(s.sessionByTok, session.Token)
			}
			delete(s.sessions, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	return &cp
}
