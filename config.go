package oauth

import (
	"time"
)

// Default endpoint paths, relative to the issuer
const (
	DefaultTokenPath              = "/oauth2/token"
	DefaultAuthorizationPath      = "/oauth2/authorize"
	DefaultErrorPath              = "/oauth2/error"
	DefaultJWKSPath               = "/oauth2/jwks"
	DefaultOpenIDConfigPath       = "/.well-known/openid-configuration"
	DefaultAuthServerMetadataPath = "/.well-known/oauth-authorization-server"
)

// HandlerConfig holds the HTTP concerns of the OAuth endpoints.
// Protocol settings live in server.Config.
type HandlerConfig struct {
	// TokenPath is where the token endpoint is mounted. Default: /oauth2/token
	TokenPath string

	// AuthorizationPath is where the authorization endpoint is mounted.
	// Default: /oauth2/authorize
	AuthorizationPath string

	// ErrorPath serves the authorization error page. Default: /oauth2/error
	ErrorPath string

	// JWKSPath serves the public signing keys. Default: /oauth2/jwks
	JWKSPath string

	// RateLimit configures per-IP rate limiting of the token and authorization endpoints
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// The client IP is taken that many hops from the right of X-Forwarded-For.
	TrustedProxyCount int
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP. Default: 2x Rate
	Burst int

	// MaxEntries caps the number of tracked IPs. Zero uses the limiter default.
	MaxEntries int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration
}

// applyHandlerDefaults fills zero values on a copy of config
func applyHandlerDefaults(config HandlerConfig) HandlerConfig {
	if config.TokenPath == "" {
		config.TokenPath = DefaultTokenPath
	}
	if config.AuthorizationPath == "" {
		config.AuthorizationPath = DefaultAuthorizationPath
	}
	if config.ErrorPath == "" {
		config.ErrorPath = DefaultErrorPath
	}
	if config.JWKSPath == "" {
		config.JWKSPath = DefaultJWKSPath
	}
	if config.RateLimit.Rate > 0 && config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = max(1, int(config.RateLimit.Rate*2))
	}
	return config
}
