package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2 plus the extensions this server returns)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeNotAcceptable           = "not_acceptable"
	ErrorCodeInvalidUser             = "invalid_user"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Error is an OAuth protocol error. The HTTP layer writes it as
// {"error": Code, "error_description": Description} with Status.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsError extracts an *Error from err's chain
func AsError(err error) (*Error, bool) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr, true
	}
	return nil, false
}

// Constructors for the errors the core returns
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates the client is unknown, disabled, or failed authentication
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates a requested scope is not supported by the server
	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrNotAcceptable indicates the scopes are not allowed for this client or grant
	ErrNotAcceptable = func(desc string) *Error {
		return NewError(ErrorCodeNotAcceptable, desc, http.StatusNotAcceptable)
	}

	// ErrInvalidUser indicates the user referenced by a code or session no longer exists
	ErrInvalidUser = func(desc string) *Error {
		return NewError(ErrorCodeInvalidUser, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates the authorization request asked for something other than a code
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrInvalidRedirectURI indicates a redirect URI failed registration checks
	ErrInvalidRedirectURI = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrLoginRequired indicates prompt=none was requested without a signed-in user
	ErrLoginRequired = func(desc string) *Error {
		return NewError(ErrorCodeLoginRequired, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// ErrCodeVerificationFailed is returned when a code_verifier does not match the stored challenge
func ErrCodeVerificationFailed() *Error {
	return NewError(ErrorCodeInvalidRequest, "code verification failed", http.StatusUnauthorized)
}
