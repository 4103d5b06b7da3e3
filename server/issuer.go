package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// userTokenRequest is the input of issueUserTokens. session is nil for the
// authorization_code grant and the session being rotated for refresh_token.
type userTokenRequest struct {
	client   *storage.Client
	user     *storage.User
	scopes   []string
	nonce    string
	authTime time.Time
	session  *storage.Session
	clientIP string
	grant    GrantType
}

// issueUserTokens signs the access token, encodes the refresh token and signs the ID
// token concurrently, then creates or rotates the session.
//
// Only the access token is required. A refresh or ID token that fails is logged and
// left out of the response. The session is written only after the access token is
// signed, so a signing failure leaves the presented refresh token usable.
func (s *Server) issueUserTokens(ctx context.Context, r userTokenRequest) (*TokenResponse, error) {
	now := s.now()
	accessTTL := s.Config.accessTokenTTL()
	accessExpiresAt := now.Add(accessTTL)
	sessionExpiresAt := now.Add(s.Config.refreshTokenTTL())

	var refreshToken string
	if util.ContainsScope(r.scopes, ScopeOfflineAccess) {
		refreshToken = generateRandomToken()
	}

	session := s.nextSession(r, refreshToken, now, sessionExpiresAt)

	scope := util.FormatScope(r.scopes)
	openID := util.ContainsScope(r.scopes, ScopeOpenID)

	var (
		accessToken    string
		encodedRefresh string
		idToken        string
		g              errgroup.Group
	)

	g.Go(func() error {
		claims := s.accessTokenClaims(r.user.ID, r.client.ClientID, scope, session.ID, openID, now, accessExpiresAt)
		token, err := s.signer.Sign(ctx, claims)
		if err != nil {
			return fmt.Errorf("failed to sign access token: %w", err)
		}
		accessToken = token
		return nil
	})

	if refreshToken != "" {
		g.Go(func() error {
			encoded, err := s.Config.RefreshTokenCodec.Encode(ctx, refreshToken, session)
			if err != nil {
				s.omitFromResponse(ctx, "refresh_token", r.client.ClientID, err)
				return nil
			}
			encodedRefresh = encoded
			return nil
		})
	}

	if openID {
		g.Go(func() error {
			claims := s.idTokenClaims(r.user, r.client.ClientID, r.scopes, r.nonce, r.authTime, session.ID, now)
			token, err := s.signer.Sign(ctx, claims)
			if err != nil {
				s.omitFromResponse(ctx, "id_token", r.client.ClientID, err)
				return nil
			}
			idToken = token
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.commitSession(ctx, r, session); err != nil {
		return nil, err
	}

	resp := newTokenResponse(accessToken, accessExpiresAt, accessTTL, scope)
	resp.RefreshToken = encodedRefresh
	resp.IDToken = idToken

	if r.grant == GrantRefreshToken {
		s.Auditor.LogTokenRefreshed(r.user.ID, r.client.ClientID, r.clientIP, session.ID, refreshToken != "")
	} else {
		s.Auditor.LogTokenIssued(r.user.ID, r.client.ClientID, r.clientIP, r.grant.String(), scope)
	}
	s.Logger.Debug("Issued user tokens",
		"grant_type", r.grant.String(),
		"client_id", r.client.ClientID,
		"session_id", session.ID,
		"refresh_token", resp.RefreshToken != "",
		"id_token", resp.IDToken != "")

	return resp, nil
}

// nextSession builds the session record the response is issued against: a new session,
// or r.session rotated to refreshToken
func (s *Server) nextSession(r userTokenRequest, refreshToken string, now, expiresAt time.Time) *storage.Session {
	if r.session == nil {
		return &storage.Session{
			ID:        uuid.NewString(),
			UserID:    r.user.ID,
			ClientID:  r.client.ClientID,
			Token:     refreshToken,
			Scopes:    storage.JoinSessionScopes(r.scopes),
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: expiresAt,
		}
	}

	rotated := *r.session
	rotated.Token = refreshToken
	rotated.UpdatedAt = now
	rotated.ExpiresAt = expiresAt
	return &rotated
}

// commitSession writes session, either creating it or rotating r.session's refresh token
// with a compare-and-swap
func (s *Server) commitSession(ctx context.Context, r userTokenRequest, session *storage.Session) error {
	if r.session == nil {
		if err := s.store.CreateSession(ctx, session); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	}

	err := s.store.RotateSession(ctx, r.session.ID, r.session.Token, session.Token, session.ExpiresAt)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			s.metrics.RecordRotationConflict(ctx)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventRefreshRotationConflict,
				UserID:    r.session.UserID,
				ClientID:  r.client.ClientID,
				IPAddress: r.clientIP,
				Details: map[string]any{
					"session_id": r.session.ID,
				},
			})
			return ErrInvalidGrant("refresh token has already been used")
		}
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	return nil
}

func (s *Server) omitFromResponse(ctx context.Context, field, clientID string, err error) {
	s.metrics.RecordPartialResponse(ctx, field)
	s.Logger.Warn("Omitting token from response",
		"field", field,
		"client_id", clientID,
		"error", err)
}
