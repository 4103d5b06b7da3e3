package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// Client type constants used in audit events
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// ValidateClient resolves and authenticates a client and enforces its scope allowlist.
//
// Confidential clients must present their secret. Any client that presents a secret
// must present the right one, so a public client sending a secret is rejected.
// When the client has AllowedScopes, scopes must be non-empty and within that list.
func (s *Server) ValidateClient(ctx context.Context, clientID, clientSecret string, scopes []string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.auditClientFailure(clientID, "client_not_found")
			return nil, ErrInvalidClient("client not found")
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if client.Disabled {
		s.auditClientFailure(clientID, "client_disabled")
		return nil, ErrInvalidClient("client is disabled")
	}

	if !client.Public && clientSecret == "" {
		s.auditClientFailure(clientID, "missing_client_secret")
		return nil, ErrInvalidClient("client secret is required")
	}

	if clientSecret != "" && !verifyClientSecret(client.ClientSecretHash, clientSecret) {
		s.auditClientFailure(clientID, "invalid_client_secret")
		return nil, ErrInvalidClient("invalid client credentials")
	}

	if len(client.AllowedScopes) > 0 {
		if len(scopes) == 0 {
			return nil, ErrNotAcceptable("client must request a scope")
		}
		if missing := util.MissingScopes(scopes, client.AllowedScopes); len(missing) > 0 {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				ClientID: clientID,
				Details: map[string]any{
					"scope": missing[0],
				},
			})
			return nil, ErrNotAcceptable(fmt.Sprintf("client is not allowed to request scope %s", missing[0]))
		}
	}

	return client, nil
}

// verifyClientSecret compares a presented secret against a bcrypt hash.
// An empty hash never matches.
func verifyClientSecret(hash, secret string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func (s *Server) auditClientFailure(clientID, reason string) {
	s.Auditor.LogAuthFailure("", clientID, "", reason)
	s.Logger.Debug("Client validation failed",
		"client_id", clientID,
		"reason", reason)
}

// RegisterClientRequest describes a client to register
type RegisterClientRequest struct {
	ClientName    string
	RedirectURIs  []string
	Public        bool
	AllowedScopes []string
}

// RegisterClient creates a client with a generated ID. Confidential clients also get a
// generated secret, returned once in plain text and stored only as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, req RegisterClientRequest) (*storage.Client, string, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, "", ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error())
			return nil, "", ErrInvalidRedirectURI(err.Error())
		}
	}
	if unsupported := util.MissingScopes(req.AllowedScopes, s.Config.Scopes); len(unsupported) > 0 {
		return nil, "", ErrInvalidScope(fmt.Sprintf("unsupported scope: %s", unsupported[0]))
	}

	clientType := ClientTypeConfidential
	if req.Public {
		clientType = ClientTypePublic
	}

	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:         generateRandomToken(),
		ClientSecretHash: clientSecretHash,
		ClientName:       req.ClientName,
		RedirectURIs:     slices.Clone(req.RedirectURIs),
		Public:           req.Public,
		AllowedScopes:    slices.Clone(req.AllowedScopes),
		CreatedAt:        s.now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, clientType)
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType)

	return client, clientSecret, nil
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}
