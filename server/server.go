package server

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/signer"
	"github.com/giantswarm/oauth-provider/storage"
)

// tokenIDLogLength is the number of characters to include when logging code or token prefixes
const tokenIDLogLength = 8

// Server implements the authorization server core: the token endpoint grants,
// the authorization request resolver and client validation.
// It holds no per-request state; every request goes through the store.
type Server struct {
	store           storage.Store
	signer          signer.Signer
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
	Logger          *slog.Logger
	Config          *Config
}

// New creates a new OAuth server. config is copied; the caller's value is not modified.
func New(store storage.Store, sig signer.Signer, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sig == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := *config
	applySecureDefaults(&cfg, sig.Issuer(), sig.Audience(), logger)

	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	srv := &Server{
		store:  store,
		signer: sig,
		Config: &cfg,
		Logger: logger,
	}

	// Validate HTTPS enforcement
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	// Metrics and spans are no-ops until SetInstrumentation is called
	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	srv.SetInstrumentation(inst)

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Signer returns the token signer
func (s *Server) Signer() signer.Signer {
	return s.signer
}

// Store returns the backing store
func (s *Server) Store() storage.Store {
	return s.store
}

// now returns the current time from the configured clock
func (s *Server) now() time.Time {
	return s.Config.Clock()
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, refresh tokens and client IDs.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
