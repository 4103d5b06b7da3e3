package server

import (
	"log/slog"
	"strings"
	"time"
)

// Default values applied by applySecureDefaults
const (
	DefaultAuthorizationCodeTTL = 600     // 10 minutes
	DefaultAccessTokenTTL       = 600     // 10 minutes
	DefaultM2MAccessTokenTTL    = 3600    // 1 hour
	DefaultRefreshTokenTTL      = 7776000 // 90 days
	DefaultScope                = ScopeOpenID
	DefaultUserInfoPath         = "/oauth2/userinfo"
	DefaultErrorPath            = "/oauth2/error"
	DefaultLoginPath            = "/login"
	DefaultACR                  = "urn:mace:incommon:iap:bronze"
)

// OpenID Connect scopes with user or session semantics
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// DefaultScopes is the server scope allowlist used when Config.Scopes is empty
var DefaultScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}

// ReservedUserScopes cannot be granted to the client_credentials grant since no user exists
var ReservedUserScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}

// Config holds OAuth server configuration. It is read-only once passed to New.
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	// Default: the signer's issuer
	Issuer string

	// Audience is the static audience of user access tokens and M2M tokens.
	// Default: the signer's audience
	Audience []string

	// Scopes is the server-wide scope allowlist.
	// Default: openid, profile, email, offline_access
	Scopes []string

	// DefaultScope is used by the authorization endpoint when the request has no scope.
	// Space-separated. Default: "openid"
	DefaultScope string

	// DefaultClientCredentialsScopes is used by the client_credentials grant when the
	// request has no scope. Default: none (scope is then required)
	DefaultClientCredentialsScopes []string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long user access tokens are valid
	AccessTokenTTL int64 // seconds, default: 600 (10 minutes)

	// M2MAccessTokenTTL is how long client_credentials access tokens are valid
	M2MAccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: AccessTokenTTL

	// RefreshTokenTTL is how long a session (and its refresh token) is valid after
	// each issuance
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// AllowNoPKCE lets authorization requests omit code_challenge
	// WARNING: Disabling PKCE exposes public clients to code interception
	// Default: false (PKCE required)
	AllowNoPKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false (only S256)
	AllowPKCEPlain bool

	// AllowInsecureHTTP allows an http:// issuer on non-loopback hosts
	// Default: false
	AllowInsecureHTTP bool

	// AllowedCustomSchemes lists regex patterns for custom redirect URI schemes
	// accepted at registration (e.g. "^myapp$").
	// Default: any RFC 3986 scheme that is not dangerous
	AllowedCustomSchemes []string

	// UserInfoPath is appended to the issuer and added to the access token audience
	// when openid is granted. Default: "/oauth2/userinfo"
	UserInfoPath string

	// ACR is the acr claim of ID tokens. Default: "urn:mace:incommon:iap:bronze"
	ACR string

	// ErrorURL receives authorization errors that cannot be sent to the client's
	// redirect_uri. Default: Issuer + "/oauth2/error"
	ErrorURL string

	// LoginURL is where the authorization endpoint sends unauthenticated users.
	// Default: Issuer + "/login"
	LoginURL string

	// RefreshTokenCodec encodes refresh tokens on the way out and decodes them on
	// the way in. Default: IdentityCodec
	RefreshTokenCodec RefreshTokenCodec

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

// applySecureDefaults applies secure-by-default configuration values.
// issuer and audience are the signer's values, used when the config has none.
func applySecureDefaults(config *Config, issuer string, audience []string, logger *slog.Logger) *Config {
	if config.Issuer == "" {
		config.Issuer = issuer
	}
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")
	if len(config.Audience) == 0 {
		config.Audience = audience
	}

	applyTimeDefaults(config)
	applyScopeDefaults(config)
	applyEndpointDefaults(config)

	if config.RefreshTokenCodec == nil {
		config.RefreshTokenCodec = IdentityCodec{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.M2MAccessTokenTTL == 0 {
		config.M2MAccessTokenTTL = DefaultM2MAccessTokenTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = config.AccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
}

func applyScopeDefaults(config *Config) {
	if len(config.Scopes) == 0 {
		config.Scopes = DefaultScopes
	}
	if config.DefaultScope == "" {
		config.DefaultScope = DefaultScope
	}
}

func applyEndpointDefaults(config *Config) {
	if config.UserInfoPath == "" {
		config.UserInfoPath = DefaultUserInfoPath
	}
	if config.ACR == "" {
		config.ACR = DefaultACR
	}
	if config.ErrorURL == "" {
		config.ErrorURL = config.Issuer + DefaultErrorPath
	}
	if config.LoginURL == "" {
		config.LoginURL = config.Issuer + DefaultLoginPath
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowNoPKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is NOT REQUIRED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set AllowNoPKCE=false",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-1")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.RefreshTokenTTL < config.AccessTokenTTL {
		logger.Warn("CONFIGURATION WARNING: RefreshTokenTTL is shorter than AccessTokenTTL",
			"refresh_token_ttl", config.RefreshTokenTTL,
			"access_token_ttl", config.AccessTokenTTL)
	}
}

// requirePKCE reports whether authorization requests must carry a code_challenge
func (c *Config) requirePKCE() bool {
	return !c.AllowNoPKCE
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) m2mAccessTokenTTL() time.Duration {
	return time.Duration(c.M2MAccessTokenTTL) * time.Second
}

func (c *Config) idTokenTTL() time.Duration {
	return time.Duration(c.IDTokenTTL) * time.Second
}

func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c *Config) authorizationCodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// userInfoURL is the userinfo endpoint URL added to access token audiences
func (c *Config) userInfoURL() string {
	return c.Issuer + c.UserInfoPath
}
