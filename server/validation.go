package server

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

const oauthSecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/rfc9700"

// validateHTTPSEnforcement rejects an http:// issuer on anything but a loopback host
// unless AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauthSecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"learn_more", oauthSecurityBestPracticesURL)
	return nil
}

// isRegisteredRedirectURI reports whether redirectURI exactly matches one of the
// client's registered URIs
func isRegisteredRedirectURI(client *storage.Client, redirectURI string) bool {
	return slices.Contains(client.RedirectURIs, redirectURI)
}

// validateRedirectURIForRegistration checks a redirect URI offered at registration.
// Fragments and dangerous schemes are rejected, plain http is only allowed on
// loopback hosts, and custom schemes must match AllowedCustomSchemes.
func (s *Server) validateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}

	// RFC 6749 Section 3.1.2: the redirection endpoint URI MUST NOT include a fragment
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must have a host")
		}
		return nil
	case SchemeHTTP:
		if !util.IsLoopbackHostname(strings.ToLower(parsed.Hostname())) {
			return fmt.Errorf("redirect_uri must use HTTPS unless it targets a loopback address (got %s://)", scheme)
		}
		return nil
	default:
		return validateCustomScheme(scheme, s.Config.AllowedCustomSchemes)
	}
}

// validateCustomScheme validates a custom URI scheme against allowed patterns.
// Returns error if the scheme is dangerous or not in the allowed list.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}
