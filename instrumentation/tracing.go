package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (access tokens, refresh tokens,
// authorization codes, client secrets, PKCE verifiers) in traces or metrics. Only record
// metadata such as grant types, scopes, session IDs and validation results.
const (
	// OAuth flow attributes - SAFE to use for metadata only
	AttrClientID         = "oauth.client_id"         // Client identifier (non-secret)
	AttrUserID           = "oauth.user_id"           // User identifier (non-secret)
	AttrScope            = "oauth.scope"             // Requested or granted scopes
	AttrPKCEMethod       = "oauth.pkce.method"       // PKCE method used (S256, plain)
	AttrGrantType        = "oauth.grant_type"        // OAuth grant type
	AttrResponseType     = "oauth.response_type"     // OAuth response type
	AttrSessionID        = "oauth.session_id"        // Refresh session identifier (non-secret)
	AttrTokenRotated     = "oauth.token.rotated"     //nolint:gosec // Whether the refresh token was rotated (boolean)
	AttrScopeNarrowed    = "oauth.scope.narrowed"    // Whether a refresh requested fewer scopes
	AttrRefreshIssued    = "oauth.refresh.issued"    // Whether a refresh token was included (boolean)
	AttrIDTokenIssued    = "oauth.id_token.issued"   // Whether an ID token was included (boolean)
	AttrExpiresIn        = "oauth.expires_in"        // Token expiry duration
	AttrError            = "oauth.error"             // Error code
	AttrErrorDescription = "oauth.error_description" // Error description

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP       = "security.client_ip"
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddGrantAttributes records the grant type and client of a token request (nil-safe)
func AddGrantAttributes(span trace.Span, grantType, clientID string) {
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddSessionAttributes records the refresh session a request operates on (nil-safe)
func AddSessionAttributes(span trace.Span, sessionID string, rotated bool) {
	if sessionID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrSessionID, sessionID),
			attribute.Bool(AttrTokenRotated, rotated),
		)
	}
}

// AddIssuedTokenAttributes records which optional tokens made it into a response (nil-safe)
func AddIssuedTokenAttributes(span trace.Span, refreshIssued, idTokenIssued bool, expiresIn int64) {
	SetSpanAttributes(span,
		attribute.Bool(AttrRefreshIssued, refreshIssued),
		attribute.Bool(AttrIDTokenIssued, idTokenIssued),
		attribute.Int64(AttrExpiresIn, expiresIn),
	)
}

// AddOAuthErrorAttributes records an OAuth error code and description (nil-safe)
func AddOAuthErrorAttributes(span trace.Span, code, description string) {
	SetSpanAttributes(span, attribute.String(AttrError, code))
	if description != "" {
		SetSpanAttributes(span, attribute.String(AttrErrorDescription, description))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be considered Personally Identifiable Information (PII).
// Before calling this function, check if IP logging is enabled using instrumentation.ShouldLogClientIPs().
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
