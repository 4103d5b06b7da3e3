package security

// Event type constants for security audit logging.
const (
	// Token endpoint events

	// EventTokenIssued is logged when a grant succeeds at the token endpoint
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token grant rotates a session
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshRotationConflict is logged when a refresh token lost a concurrent rotation race
	EventRefreshRotationConflict = "refresh_rotation_conflict"

	// EventInvalidRefreshToken is logged when a presented refresh token matches no session
	EventInvalidRefreshToken = "invalid_refresh_token" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Authorization code events

	// EventAuthorizationCodeIssued is logged when an authorization code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeInvalid is logged when a presented code is unknown or already used
	EventAuthorizationCodeInvalid = "authorization_code_invalid"

	// EventAuthorizationCodeExpired is logged when a presented code was found but had expired
	EventAuthorizationCodeExpired = "authorization_code_expired"

	// Client events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect_uri does not match what was registered or recorded
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond what it was granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventClientMismatch is logged when a code or session is presented by a different client
	EventClientMismatch = "client_mismatch"
)
