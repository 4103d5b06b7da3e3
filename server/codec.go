package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// AuthorizationCodeValue is the payload stored with an authorization code
type AuthorizationCodeValue struct {
	UserID              string    `json:"userId"`
	ClientID            string    `json:"clientId"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirectUri,omitempty"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"authTime,omitzero"`
}

// EncodeAuthorizationCode serializes v for storage as a Verification value
func EncodeAuthorizationCode(v AuthorizationCodeValue) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode authorization code: %w", err)
	}
	return string(data), nil
}

// DecodeAuthorizationCode parses a stored Verification value. A payload without a
// client or user is rejected.
func DecodeAuthorizationCode(raw string) (*AuthorizationCodeValue, error) {
	var v AuthorizationCodeValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}
	if v.ClientID == "" || v.UserID == "" {
		return nil, errors.New("authorization code is missing client or user")
	}
	return &v, nil
}

// SessionRef identifies the session a presented refresh token belongs to.
// SessionID is empty when the codec only recovers the raw token.
type SessionRef struct {
	SessionID string
	Token     string
}

// RefreshTokenCodec converts between the refresh token stored on a session and the
// value handed to clients. Encode and Decode must be inverses.
type RefreshTokenCodec interface {
	Encode(ctx context.Context, token string, session *storage.Session) (string, error)
	Decode(ctx context.Context, raw string) (*SessionRef, error)
}

// IdentityCodec hands out the stored token unchanged
type IdentityCodec struct{}

var _ RefreshTokenCodec = IdentityCodec{}

// Encode returns token
func (IdentityCodec) Encode(_ context.Context, token string, _ *storage.Session) (string, error) {
	return token, nil
}

// Decode returns raw as the token
func (IdentityCodec) Decode(_ context.Context, raw string) (*SessionRef, error) {
	if raw == "" {
		return nil, errors.New("empty refresh token")
	}
	return &SessionRef{Token: raw}, nil
}

// refreshTokenAD binds sealed refresh tokens to their purpose
var refreshTokenAD = []byte("oauth-provider/refresh_token")

// EncryptingCodec seals "<sessionID>.<token>" with AES-256-GCM. Clients see an
// opaque value, and the server looks the session up by ID instead of by token.
type EncryptingCodec struct {
	enc *security.Encryptor
}

var _ RefreshTokenCodec = (*EncryptingCodec)(nil)

// NewEncryptingCodec creates a codec from an enabled Encryptor
func NewEncryptingCodec(enc *security.Encryptor) (*EncryptingCodec, error) {
	if enc == nil || !enc.IsEnabled() {
		return nil, errors.New("encrypting codec requires an enabled encryptor")
	}
	return &EncryptingCodec{enc: enc}, nil
}

// Encode seals the session ID and token together
func (c *EncryptingCodec) Encode(_ context.Context, token string, session *storage.Session) (string, error) {
	if session == nil || session.ID == "" {
		return "", errors.New("session is required")
	}
	if strings.Contains(session.ID, ".") {
		return "", fmt.Errorf("session ID %q must not contain '.'", session.ID)
	}
	return c.enc.Seal([]byte(session.ID+"."+token), refreshTokenAD)
}

// Decode opens a sealed value and splits it into session ID and token
func (c *EncryptingCodec) Decode(_ context.Context, raw string) (*SessionRef, error) {
	plain, err := c.enc.Open(raw, refreshTokenAD)
	if err != nil {
		return nil, err
	}
	sessionID, token, ok := strings.Cut(string(plain), ".")
	if !ok || sessionID == "" || token == "" {
		return nil, errors.New("malformed refresh token payload")
	}
	return &SessionRef{SessionID: sessionID, Token: token}, nil
}
