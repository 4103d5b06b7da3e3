package server

import (
	"context"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
)

// clientCredentials implements the client_credentials grant. It issues a single
// machine-to-machine access token with no user, session, refresh or ID token.
func (s *Server) clientCredentials(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.ClientID == "" || req.ClientSecret == "" {
		return nil, ErrInvalidRequest("client_id and client_secret are required")
	}

	scopes := util.ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(s.Config.DefaultClientCredentialsScopes)
	}
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("scope is required")
	}

	for _, scope := range scopes {
		if slices.Contains(ReservedUserScopes, scope) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
				Details: map[string]any{
					"scope": scope,
					"grant": GrantClientCredentials.String(),
				},
			})
			return nil, ErrNotAcceptable(fmt.Sprintf("scope %s is not allowed for the client_credentials grant", scope))
		}
	}
	if missing := util.MissingScopes(scopes, s.Config.Scopes); len(missing) > 0 {
		return nil, ErrInvalidScope(fmt.Sprintf("unsupported scope: %s", missing[0]))
	}

	client, err := s.ValidateClient(ctx, req.ClientID, req.ClientSecret, scopes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ttl := s.Config.m2mAccessTokenTTL()
	expiresAt := now.Add(ttl)
	scope := util.FormatScope(scopes)

	accessToken, err := s.signer.Sign(ctx, s.m2mAccessTokenClaims(scope, now, expiresAt))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	s.Auditor.LogTokenIssued("", client.ClientID, req.ClientIP, GrantClientCredentials.String(), scope)
	s.Logger.Debug("Issued client credentials token",
		"client_id", client.ClientID,
		"scope", scope)

	return newTokenResponse(accessToken, expiresAt, ttl, scope), nil
}
