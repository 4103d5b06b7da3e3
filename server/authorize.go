package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// ResponseTypeCode is the only response_type this server supports
const ResponseTypeCode = "code"

// OpenID Connect prompt values
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

var supportedPrompts = []string{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount}

// AuthorizationParams are the raw query parameters of an authorization request
type AuthorizationParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	Prompt              string
}

// AuthorizationRequest is a validated authorization request, ready for a code to be
// minted once the user is known
type AuthorizationRequest struct {
	Client              *storage.Client
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	Prompts             []string
}

// HasPrompt reports whether the request carried the given prompt value
func (r *AuthorizationRequest) HasPrompt(prompt string) bool {
	return slices.Contains(r.Prompts, prompt)
}

// AuthorizationError is a failed authorization request together with the URL the
// user agent should be sent to
type AuthorizationError struct {
	Err         *Error
	RedirectURL string
}

// Error implements the error interface
func (e *AuthorizationError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying OAuth error
func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// ResolveAuthorizationRequest validates authorization request parameters.
//
// Problems with client_id or redirect_uri are never sent to the redirect_uri, since it
// cannot be trusted; those redirect to Config.ErrorURL. All later problems redirect to
// the client with error, error_description and state.
func (s *Server) ResolveAuthorizationRequest(ctx context.Context, p AuthorizationParams) (*AuthorizationRequest, error) {
	if p.ClientID == "" || p.RedirectURI == "" {
		return nil, s.errorPageRedirect(ErrInvalidClient("client_id and redirect_uri are required"))
	}

	client, err := s.store.GetClient(ctx, p.ClientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to get client: %w", err)
		}
		s.Auditor.LogAuthFailure("", p.ClientID, "", "client_not_found")
		return nil, s.errorPageRedirect(ErrInvalidClient("client not found"))
	}
	if client.Disabled {
		s.Auditor.LogAuthFailure("", p.ClientID, "", "client_disabled")
		return nil, s.errorPageRedirect(ErrInvalidClient("client is disabled"))
	}
	if !isRegisteredRedirectURI(client, p.RedirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: p.ClientID,
			Details: map[string]any{
				"redirect_uri": util.SafeTruncate(p.RedirectURI, 256),
			},
		})
		return nil, s.errorPageRedirect(ErrInvalidClient("redirect_uri is not registered for this client"))
	}

	clientRedirect := func(oauthErr *Error) error {
		return &AuthorizationError{
			Err:         oauthErr,
			RedirectURL: buildRedirectURL(p.RedirectURI, errorParams(oauthErr, p.State)),
		}
	}

	if p.ResponseType != ResponseTypeCode {
		return nil, clientRedirect(ErrUnsupportedResponseType(
			fmt.Sprintf("unsupported response_type: %s", p.ResponseType)))
	}

	scopeParam := p.Scope
	if strings.TrimSpace(scopeParam) == "" {
		scopeParam = s.Config.DefaultScope
	}
	scopes := util.ParseScope(scopeParam)
	if missing := util.MissingScopes(scopes, s.Config.Scopes); len(missing) > 0 {
		return nil, clientRedirect(ErrInvalidScope(fmt.Sprintf("unsupported scope: %s", missing[0])))
	}

	var method string
	switch {
	case p.CodeChallenge != "":
		method, err = normalizePKCEMethod(p.CodeChallengeMethod, s.Config.AllowPKCEPlain)
		if err != nil {
			return nil, clientRedirect(ErrInvalidRequest(err.Error()))
		}
	case s.Config.requirePKCE():
		return nil, clientRedirect(ErrInvalidRequest("code_challenge is required"))
	case p.CodeChallengeMethod != "":
		return nil, clientRedirect(ErrInvalidRequest("code_challenge_method requires code_challenge"))
	}

	prompts, err := parsePrompt(p.Prompt)
	if err != nil {
		return nil, clientRedirect(ErrInvalidRequest(err.Error()))
	}

	return &AuthorizationRequest{
		Client:              client,
		RedirectURI:         p.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               p.Nonce,
		State:               p.State,
		Prompts:             prompts,
	}, nil
}

// parsePrompt splits the prompt parameter. none cannot be combined with other values.
func parsePrompt(prompt string) ([]string, error) {
	values := util.ParseScope(prompt)
	for _, v := range values {
		if !slices.Contains(supportedPrompts, v) {
			return nil, fmt.Errorf("unsupported prompt value: %s", v)
		}
	}
	if slices.Contains(values, PromptNone) && len(values) > 1 {
		return nil, fmt.Errorf("prompt=none cannot be combined with other values")
	}
	return values, nil
}

// IssueAuthorizationCode mints and stores a one-time code for a resolved request and
// returns the client redirect URL carrying it
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *AuthorizationRequest, userID string, authTime time.Time) (string, error) {
	if req == nil || req.Client == nil {
		return "", fmt.Errorf("authorization request is required")
	}
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}

	now := s.now()
	if authTime.IsZero() {
		authTime = now
	}

	value, err := EncodeAuthorizationCode(AuthorizationCodeValue{
		UserID:              userID,
		ClientID:            req.Client.ClientID,
		Scopes:              req.Scopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            authTime.UTC(),
	})
	if err != nil {
		return "", err
	}

	code := generateRandomToken()
	if err := s.store.SaveVerification(ctx, &storage.Verification{
		ID:        code,
		Value:     value,
		ExpiresAt: now.Add(s.Config.authorizationCodeTTL()),
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogCodeIssued(userID, req.Client.ClientID, util.FormatScope(req.Scopes))
	s.metrics.RecordCodeIssued(ctx, req.Client.ClientID)
	s.Logger.Debug("Issued authorization code",
		"client_id", req.Client.ClientID,
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	params := url.Values{}
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	// RFC 9207 issuer identification
	params.Set("iss", s.Config.Issuer)
	return buildRedirectURL(req.RedirectURI, params), nil
}

// ErrorRedirect builds the redirect for an error raised after the request was
// resolved (e.g. login_required for prompt=none)
func (s *Server) ErrorRedirect(req *AuthorizationRequest, oauthErr *Error) *AuthorizationError {
	return &AuthorizationError{
		Err:         oauthErr,
		RedirectURL: buildRedirectURL(req.RedirectURI, errorParams(oauthErr, req.State)),
	}
}

func (s *Server) errorPageRedirect(oauthErr *Error) *AuthorizationError {
	return &AuthorizationError{
		Err:         oauthErr,
		RedirectURL: buildRedirectURL(s.Config.ErrorURL, errorParams(oauthErr, "")),
	}
}

func errorParams(oauthErr *Error, state string) url.Values {
	params := url.Values{}
	params.Set("error", oauthErr.Code)
	if oauthErr.Description != "" {
		params.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return params
}

// buildRedirectURL appends params to base, keeping any query it already has
func buildRedirectURL(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
