package server

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-provider/instrumentation"
)

// GrantType is one of the grants the token endpoint supports
type GrantType int

// Supported grant types
const (
	GrantAuthorizationCode GrantType = iota + 1
	GrantClientCredentials
	GrantRefreshToken
)

// String returns the grant_type wire value
func (g GrantType) String() string {
	switch g {
	case GrantAuthorizationCode:
		return "authorization_code"
	case GrantClientCredentials:
		return "client_credentials"
	case GrantRefreshToken:
		return "refresh_token"
	default:
		return "unknown"
	}
}

// SupportedGrantTypes lists the grant_type values accepted by the token endpoint
var SupportedGrantTypes = []GrantType{GrantAuthorizationCode, GrantClientCredentials, GrantRefreshToken}

// ParseGrantType maps a grant_type parameter to a GrantType.
// Missing or unknown values are invalid_request errors.
func ParseGrantType(s string) (GrantType, error) {
	switch s {
	case "":
		return 0, ErrInvalidRequest("grant_type is required")
	case "authorization_code":
		return GrantAuthorizationCode, nil
	case "client_credentials":
		return GrantClientCredentials, nil
	case "refresh_token":
		return GrantRefreshToken, nil
	default:
		return 0, ErrInvalidRequest(fmt.Sprintf("unsupported grant_type: %s", s))
	}
}

// TokenRequest carries the token endpoint parameters after transport decoding.
// Client credentials from an Authorization header are already merged in.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
	RefreshToken string
	Scope        string

	// ClientIP is used for audit logging only
	ClientIP string
}

// TokenResponse is the JSON body of a successful token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    string `json:"expires_at"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenTypeBearer is the only token_type this server issues
const TokenTypeBearer = "Bearer"

func newTokenResponse(accessToken string, expiresAt time.Time, ttl time.Duration, scope string) *TokenResponse {
	return &TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(ttl / time.Second),
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
		TokenType:   TokenTypeBearer,
		Scope:       scope,
	}
}

// Token is the token endpoint entry point. It dispatches on grant_type and returns
// either a response or an error; *Error values carry the OAuth error code and status,
// anything else is an internal failure.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req == nil {
		return nil, ErrInvalidRequest("empty token request")
	}

	grant, err := ParseGrantType(req.GrantType)
	if err != nil {
		if oauthErr, ok := AsError(err); ok {
			s.metrics.RecordTokenFailure(ctx, "unknown", oauthErr.Code)
		}
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "oauth.token."+grant.String())
	defer span.End()
	instrumentation.AddGrantAttributes(span, grant.String(), req.ClientID)

	var resp *TokenResponse
	switch grant {
	case GrantAuthorizationCode:
		resp, err = s.exchangeAuthorizationCode(ctx, req)
	case GrantClientCredentials:
		resp, err = s.clientCredentials(ctx, req)
	case GrantRefreshToken:
		resp, err = s.refreshToken(ctx, req)
	default:
		err = ErrInvalidRequest(fmt.Sprintf("unsupported grant_type: %s", req.GrantType))
	}

	if err != nil {
		if oauthErr, ok := AsError(err); ok {
			instrumentation.AddOAuthErrorAttributes(span, oauthErr.Code, oauthErr.Description)
			instrumentation.SetSpanError(span, oauthErr.Code)
			s.metrics.RecordTokenFailure(ctx, grant.String(), oauthErr.Code)
		} else {
			instrumentation.RecordError(span, err)
			s.metrics.RecordTokenFailure(ctx, grant.String(), ErrorCodeServerError)
			s.Logger.Error("Token request failed",
				"grant_type", grant.String(),
				"client_id", req.ClientID,
				"error", err)
		}
		return nil, err
	}

	instrumentation.AddIssuedTokenAttributes(span, resp.RefreshToken != "", resp.IDToken != "", resp.ExpiresIn)
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenIssued(ctx, grant.String(), req.ClientID)
	return resp, nil
}
