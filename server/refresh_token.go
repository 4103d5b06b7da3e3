package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// refreshToken implements the refresh_token grant. The session is rotated in place:
// the presented token is replaced by a new one and is never accepted again.
func (s *Server) refreshToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.ClientID == "" || req.RefreshToken == "" {
		return nil, ErrInvalidRequest("client_id and refresh_token are required")
	}

	ref, err := s.Config.RefreshTokenCodec.Decode(ctx, req.RefreshToken)
	if err != nil {
		s.auditInvalidRefreshToken(req, "undecodable")
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	session, err := s.findSession(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.auditInvalidRefreshToken(req, "session_not_found")
			return nil, ErrInvalidGrant("invalid refresh token")
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	granted := session.ScopeList()
	scopes := granted
	narrowed := false
	if requested := util.ParseScope(req.Scope); len(requested) > 0 {
		if !util.IsSubset(requested, granted) {
			missing := util.MissingScopes(requested, granted)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				UserID:    session.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
				Details: map[string]any{
					"scope": missing[0],
					"grant": GrantRefreshToken.String(),
				},
			})
			return nil, ErrNotAcceptable(fmt.Sprintf("scope %s was not granted to this session", missing[0]))
		}
		narrowed = len(requested) < len(granted)
		scopes = requested
	}

	client, err := s.ValidateClient(ctx, req.ClientID, req.ClientSecret, scopes)
	if err != nil {
		return nil, err
	}

	if session.ClientID != client.ClientID {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientMismatch,
			UserID:    session.UserID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"session_client_id": session.ClientID,
			},
		})
		return nil, ErrInvalidClient("refresh token was not issued to this client")
	}

	if s.now().After(session.ExpiresAt) {
		s.auditInvalidRefreshToken(req, "expired")
		return nil, ErrInvalidGrant("refresh token expired")
	}

	if session.UserID == "" {
		return nil, ErrInvalidGrant("session has no user")
	}
	user, err := s.store.GetUser(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidUser("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	resp, err := s.issueUserTokens(ctx, userTokenRequest{
		client:   client,
		user:     user,
		scopes:   scopes,
		session:  session,
		authTime: session.CreatedAt,
		clientIP: req.ClientIP,
		grant:    GrantRefreshToken,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTokenRefresh(ctx, client.ClientID, narrowed)
	return resp, nil
}

// findSession resolves a decoded refresh token to the session that currently holds it.
// A session found by ID must still hold the presented token.
func (s *Server) findSession(ctx context.Context, ref *SessionRef) (*storage.Session, error) {
	if ref.Token == "" {
		return nil, storage.ErrNotFound
	}
	if ref.SessionID == "" {
		return s.store.GetSessionByToken(ctx, ref.Token)
	}

	session, err := s.store.GetSession(ctx, ref.SessionID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(session.Token), []byte(ref.Token)) != 1 {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

func (s *Server) auditInvalidRefreshToken(req *TokenRequest, reason string) {
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventInvalidRefreshToken,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"reason": reason,
		},
	})
}
