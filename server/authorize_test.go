package server

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"testing"
	"time"

	"github.com/giantswarm/oauth-provider/internal/testutil"
)

func validAuthorizationParams(challenge string) AuthorizationParams {
	return AuthorizationParams{
		ClientID:            "c1",
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "openid email",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Nonce:               "nonce-abc",
		State:               "state-xyz",
	}
}

func TestResolveAuthorizationRequest_Valid(t *testing.T) {
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))
	challenge, _ := testutil.GeneratePKCEPair()

	params := validAuthorizationParams(challenge)
	params.CodeChallengeMethod = "s256"
	params.Prompt = "login consent"

	req, err := env.srv.ResolveAuthorizationRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ResolveAuthorizationRequest() error = %v", err)
	}
	if req.Client.ClientID != "c1" {
		t.Errorf("client = %q, want c1", req.Client.ClientID)
	}
	if !slices.Equal(req.Scopes, []string{ScopeOpenID, ScopeEmail}) {
		t.Errorf("scopes = %v", req.Scopes)
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		t.Errorf("method = %q, want normalized %q", req.CodeChallengeMethod, PKCEMethodS256)
	}
	if !req.HasPrompt(PromptConsent) || req.HasPrompt(PromptNone) {
		t.Errorf("prompts = %v", req.Prompts)
	}
}

func TestResolveAuthorizationRequest_DefaultScope(t *testing.T) {
	env := setupTokenTestServer(t, func(c *Config) {
		c.DefaultScope = "openid profile"
	})
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))
	challenge, _ := testutil.GeneratePKCEPair()

	params := validAuthorizationParams(challenge)
	params.Scope = ""

	req, err := env.srv.ResolveAuthorizationRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ResolveAuthorizationRequest() error = %v", err)
	}
	if !slices.Equal(req.Scopes, []string{ScopeOpenID, ScopeProfile}) {
		t.Errorf("scopes = %v, want the default scope", req.Scopes)
	}
}

func TestResolveAuthorizationRequest_Errors(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name        string
		modify      func(*AuthorizationParams)
		config      func(*Config)
		wantCode    string
		toErrorPage bool
	}{
		{
			name:        "missing client_id",
			modify:      func(p *AuthorizationParams) { p.ClientID = "" },
			wantCode:    ErrorCodeInvalidClient,
			toErrorPage: true,
		},
		{
			name:        "missing redirect_uri",
			modify:      func(p *AuthorizationParams) { p.RedirectURI = "" },
			wantCode:    ErrorCodeInvalidClient,
			toErrorPage: true,
		},
		{
			name:        "unknown client",
			modify:      func(p *AuthorizationParams) { p.ClientID = "nobody" },
			wantCode:    ErrorCodeInvalidClient,
			toErrorPage: true,
		},
		{
			name:        "unregistered redirect_uri",
			modify:      func(p *AuthorizationParams) { p.RedirectURI = "https://evil.example.com/cb" },
			wantCode:    ErrorCodeInvalidClient,
			toErrorPage: true,
		},
		{
			name:     "token response_type",
			modify:   func(p *AuthorizationParams) { p.ResponseType = "token" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "unsupported scope",
			modify:   func(p *AuthorizationParams) { p.Scope = "openid admin" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "missing code_challenge",
			modify:   func(p *AuthorizationParams) { p.CodeChallenge = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain method not allowed",
			modify:   func(p *AuthorizationParams) { p.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown method",
			modify:   func(p *AuthorizationParams) { p.CodeChallengeMethod = "S512" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown prompt",
			modify:   func(p *AuthorizationParams) { p.Prompt = "always" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "prompt none combined",
			modify:   func(p *AuthorizationParams) { p.Prompt = "none login" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "method without challenge",
			modify:   func(p *AuthorizationParams) { p.CodeChallenge = "" },
			config:   func(c *Config) { c.AllowNoPKCE = true },
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []func(*Config)
			if tt.config != nil {
				opts = append(opts, tt.config)
			}
			env := setupTokenTestServer(t, opts...)
			env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))

			params := validAuthorizationParams(challenge)
			tt.modify(&params)

			_, err := env.srv.ResolveAuthorizationRequest(context.Background(), params)
			var authErr *AuthorizationError
			if !errors.As(err, &authErr) {
				t.Fatalf("expected *AuthorizationError, got %T: %v", err, err)
			}
			if authErr.Err.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", authErr.Err.Code, tt.wantCode)
			}

			redirect, err := url.Parse(authErr.RedirectURL)
			if err != nil {
				t.Fatalf("invalid redirect URL %q: %v", authErr.RedirectURL, err)
			}
			base := redirect.Scheme + "://" + redirect.Host + redirect.Path
			query := redirect.Query()
			if tt.toErrorPage {
				if base != testIssuer+DefaultErrorPath {
					t.Errorf("redirect = %q, want the error page", base)
				}
				if query.Has("state") {
					t.Error("error page redirect must not carry state")
				}
			} else {
				if base != testRedirectURI {
					t.Errorf("redirect = %q, want the client redirect_uri", base)
				}
				if query.Get("state") != "state-xyz" {
					t.Errorf("state = %q, want state-xyz", query.Get("state"))
				}
			}
			if query.Get("error") != tt.wantCode {
				t.Errorf("error param = %q, want %q", query.Get("error"), tt.wantCode)
			}
		})
	}
}

func TestResolveAuthorizationRequest_PKCEOptional(t *testing.T) {
	env := setupTokenTestServer(t, func(c *Config) {
		c.AllowNoPKCE = true
	})
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))

	params := validAuthorizationParams("")
	params.CodeChallengeMethod = ""

	req, err := env.srv.ResolveAuthorizationRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ResolveAuthorizationRequest() error = %v", err)
	}
	if req.CodeChallenge != "" || req.CodeChallengeMethod != "" {
		t.Errorf("expected no PKCE, got %q/%q", req.CodeChallenge, req.CodeChallengeMethod)
	}
}

func TestResolveAuthorizationRequest_PlainAllowed(t *testing.T) {
	env := setupTokenTestServer(t, func(c *Config) {
		c.AllowPKCEPlain = true
	})
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))

	params := validAuthorizationParams("plain-challenge-value")
	params.CodeChallengeMethod = "PLAIN"

	req, err := env.srv.ResolveAuthorizationRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ResolveAuthorizationRequest() error = %v", err)
	}
	if req.CodeChallengeMethod != PKCEMethodPlain {
		t.Errorf("method = %q, want %q", req.CodeChallengeMethod, PKCEMethodPlain)
	}
}

func TestIssueAuthorizationCode_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewPublicClient("c1", testRedirectURI+"?tenant=a"))
	challenge, verifier := testutil.GeneratePKCEPair()

	params := validAuthorizationParams(challenge)
	params.RedirectURI = testRedirectURI + "?tenant=a"
	req, err := env.srv.ResolveAuthorizationRequest(ctx, params)
	if err != nil {
		t.Fatalf("ResolveAuthorizationRequest() error = %v", err)
	}

	authTime := env.clock.Now().Add(-time.Minute)
	redirectURL, err := env.srv.IssueAuthorizationCode(ctx, req, testUserID, authTime)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	redirect, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	query := redirect.Query()
	code := query.Get("code")
	if code == "" {
		t.Fatal("redirect has no code")
	}
	if query.Get("state") != "state-xyz" {
		t.Errorf("state = %q", query.Get("state"))
	}
	if query.Get("iss") != testIssuer {
		t.Errorf("iss = %q, want %q", query.Get("iss"), testIssuer)
	}
	if query.Get("tenant") != "a" {
		t.Error("existing redirect_uri query must be preserved")
	}

	resp, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  params.RedirectURI,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	id := parseClaims(t, resp.IDToken)
	if id["nonce"] != "nonce-abc" {
		t.Errorf("nonce = %v, want nonce-abc", id["nonce"])
	}
	if got, _ := id["auth_time"].(float64); int64(got) != authTime.Unix() {
		t.Errorf("auth_time = %v, want %d", id["auth_time"], authTime.Unix())
	}
	if id["email"] != testUserID+"@example.com" {
		t.Errorf("email = %v", id["email"])
	}
	if id["email_verified"] != true {
		t.Errorf("email_verified = %v", id["email_verified"])
	}
}

func TestIssueAuthorizationCode_Expiry(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t, func(c *Config) {
		c.AuthorizationCodeTTL = 60
	})
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))
	challenge, verifier := testutil.GeneratePKCEPair()

	req, err := env.srv.ResolveAuthorizationRequest(ctx, validAuthorizationParams(challenge))
	if err != nil {
		t.Fatalf("ResolveAuthorizationRequest() error = %v", err)
	}
	redirectURL, err := env.srv.IssueAuthorizationCode(ctx, req, testUserID, time.Time{})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	redirect, _ := url.Parse(redirectURL)

	env.clock.Advance(61 * time.Second)

	_, err = env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         redirect.Query().Get("code"),
		CodeVerifier: verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, 0)
}

func TestIssueAuthorizationCode_Errors(t *testing.T) {
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))

	if _, err := env.srv.IssueAuthorizationCode(context.Background(), nil, testUserID, time.Time{}); err == nil {
		t.Error("expected error for nil request")
	}

	req := &AuthorizationRequest{Client: testutil.NewPublicClient("c1"), RedirectURI: testRedirectURI}
	if _, err := env.srv.IssueAuthorizationCode(context.Background(), req, "", time.Time{}); err == nil {
		t.Error("expected error for empty user ID")
	}
}

func TestServer_ErrorRedirect(t *testing.T) {
	env := setupTokenTestServer(t)
	req := &AuthorizationRequest{RedirectURI: testRedirectURI, State: "s"}

	authErr := env.srv.ErrorRedirect(req, ErrLoginRequired("user is not signed in"))
	redirect, err := url.Parse(authErr.RedirectURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if redirect.Query().Get("error") != ErrorCodeLoginRequired {
		t.Errorf("error = %q", redirect.Query().Get("error"))
	}
	if redirect.Query().Get("state") != "s" {
		t.Errorf("state = %q", redirect.Query().Get("state"))
	}
	if !errors.Is(authErr, authErr.Err) {
		t.Error("AuthorizationError must unwrap to its *Error")
	}
}
