package oauth

import (
	"github.com/giantswarm/oauth-provider/server"
)

// Error is an OAuth 2.0 protocol error. It is the same type the server package returns,
// so callers can match on it without importing server.
type Error = server.Error

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeNotAcceptable           = server.ErrorCodeNotAcceptable
	ErrorCodeInvalidUser             = server.ErrorCodeInvalidUser
	ErrorCodeLoginRequired           = server.ErrorCodeLoginRequired
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// AsError extracts an *Error from err's chain
func AsError(err error) (*Error, bool) {
	return server.AsError(err)
}
