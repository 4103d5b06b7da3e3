package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// exchangeAuthorizationCode implements the authorization_code grant.
//
// The code is consumed before anything else is checked. A request that fails any later
// check still spends the code, so a code can never be redeemed twice.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.ClientID == "" || req.Code == "" {
		return nil, ErrInvalidRequest("client_id and code are required")
	}
	if req.ClientSecret == "" && req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("client_secret or code_verifier is required")
	}

	verification, err := s.store.ConsumeVerification(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventAuthorizationCodeInvalid,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
				Details: map[string]any{
					"code_prefix": util.SafeTruncate(req.Code, tokenIDLogLength),
				},
			})
			return nil, ErrInvalidRequest("Invalid code")
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	code, err := DecodeAuthorizationCode(verification.Value)
	if err != nil {
		s.Logger.Warn("Stored authorization code is unreadable",
			"client_id", req.ClientID,
			"error", err)
		return nil, ErrInvalidRequest("Invalid code")
	}

	if s.now().After(verification.ExpiresAt) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationCodeExpired,
			UserID:    code.UserID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, ErrInvalidGrant("code expired")
	}

	if code.ClientID != req.ClientID {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientMismatch,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"code_client_id": code.ClientID,
			},
		})
		return nil, ErrInvalidGrant("code was not issued to this client")
	}

	if req.RedirectURI != "" && code.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	client, err := s.ValidateClient(ctx, req.ClientID, req.ClientSecret, code.Scopes)
	if err != nil {
		return nil, err
	}

	// A verifier always has to match. Without one, the secret authenticated the client
	// and PKCE is only enforced if the authorization request carried a challenge.
	if req.CodeVerifier != "" || code.CodeChallenge != "" {
		if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    code.UserID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
				Details: map[string]any{
					"method": code.CodeChallengeMethod,
					"reason": err.Error(),
				},
			})
			return nil, ErrCodeVerificationFailed()
		}
	}

	user, err := s.store.GetUser(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidUser("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	resp, err := s.issueUserTokens(ctx, userTokenRequest{
		client:   client,
		user:     user,
		scopes:   code.Scopes,
		nonce:    code.Nonce,
		authTime: code.AuthTime,
		clientIP: req.ClientIP,
		grant:    GrantAuthorizationCode,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCodeExchange(ctx, client.ClientID, code.CodeChallengeMethod)
	return resp, nil
}
