package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
)

func TestExchangeAuthorizationCode_ConfidentialClient(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))
	env.saveCode(t, "code-abc", AuthorizationCodeValue{
		ClientID: "c1",
		Scopes:   []string{ScopeOpenID, ScopeOfflineAccess},
	})

	req := &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         "code-abc",
	}

	resp, err := env.srv.Token(ctx, req)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("expected access_token")
	}
	if resp.RefreshToken == "" {
		t.Error("expected refresh_token")
	}
	if resp.IDToken == "" {
		t.Error("expected id_token")
	}
	if resp.Scope != "openid offline_access" {
		t.Errorf("scope = %q, want %q", resp.Scope, "openid offline_access")
	}
	if resp.TokenType != TokenTypeBearer {
		t.Errorf("token_type = %q, want %q", resp.TokenType, TokenTypeBearer)
	}
	if resp.ExpiresIn != DefaultAccessTokenTTL {
		t.Errorf("expires_in = %d, want %d", resp.ExpiresIn, DefaultAccessTokenTTL)
	}
	wantExpiresAt := env.clock.Now().Add(DefaultAccessTokenTTL * time.Second).Format(time.RFC3339)
	if resp.ExpiresAt != wantExpiresAt {
		t.Errorf("expires_at = %q, want %q", resp.ExpiresAt, wantExpiresAt)
	}

	// The identical request must fail: the code was consumed
	_, err = env.srv.Token(ctx, req)
	oauthErr := assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)
	if oauthErr.Description != "Invalid code" {
		t.Errorf("description = %q, want %q", oauthErr.Description, "Invalid code")
	}
}

func TestExchangeAuthorizationCode_PublicClientPKCE(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewPublicClient("c2", testRedirectURI))

	challenge := oauth2.S256ChallengeFromVerifier("verifier1")
	env.saveCode(t, "code-xyz", AuthorizationCodeValue{
		ClientID:            "c2",
		Scopes:              []string{ScopeOpenID},
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})

	_, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c2",
		Code:         "code-xyz",
		CodeVerifier: "wrong",
	})
	oauthErr := assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusUnauthorized)
	if oauthErr.Description != "code verification failed" {
		t.Errorf("description = %q, want %q", oauthErr.Description, "code verification failed")
	}

	// A failed redemption still spends the code
	_, err = env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c2",
		Code:         "code-xyz",
		CodeVerifier: "verifier1",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest, http.StatusBadRequest)

	env.saveCode(t, "code-xyz-2", AuthorizationCodeValue{
		ClientID:            "c2",
		Scopes:              []string{ScopeOpenID},
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	resp, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c2",
		Code:         "code-xyz-2",
		CodeVerifier: "verifier1",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" || resp.IDToken == "" {
		t.Error("expected access_token and id_token")
	}
	if resp.RefreshToken != "" {
		t.Error("refresh_token must not be issued without offline_access")
	}
}

func TestExchangeAuthorizationCode_ExpiredAfterCleanupSweep(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServerWithStore(t, memory.NewWithInterval(time.Millisecond))
	env.saveClient(t, testutil.NewPublicClient("c2", testRedirectURI))

	challenge, verifier := testutil.GeneratePKCEPair()
	env.saveCode(t, "code-xyz", AuthorizationCodeValue{
		ClientID:            "c2",
		Scopes:              []string{ScopeOpenID},
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})

	env.clock.Advance(11 * time.Minute)
	// Let the background sweep run several times on the advanced clock
	time.Sleep(50 * time.Millisecond)

	_, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c2",
		Code:         "code-xyz",
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeAuthorizationCode_Errors(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name       string
		code       *AuthorizationCodeValue
		req        TokenRequest
		advance    time.Duration
		wantCode   string
		wantStatus int
	}{
		{
			name:       "missing code",
			req:        TokenRequest{ClientID: "c1", ClientSecret: "s1"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing client_id",
			code:       &AuthorizationCodeValue{ClientID: "c1", Scopes: []string{ScopeOpenID}},
			req:        TokenRequest{ClientSecret: "s1"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "neither secret nor verifier",
			code:       &AuthorizationCodeValue{ClientID: "c2", Scopes: []string{ScopeOpenID}},
			req:        TokenRequest{ClientID: "c2"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown code",
			req:        TokenRequest{ClientID: "c1", ClientSecret: "s1", Code: "does-not-exist"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "expired code",
			code:       &AuthorizationCodeValue{ClientID: "c1", Scopes: []string{ScopeOpenID}},
			req:        TokenRequest{ClientID: "c1", ClientSecret: "s1"},
			advance:    DefaultAuthorizationCodeTTL*time.Second + time.Second,
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "code issued to another client",
			code:       &AuthorizationCodeValue{ClientID: "c2", Scopes: []string{ScopeOpenID}},
			req:        TokenRequest{ClientID: "c1", ClientSecret: "s1"},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "redirect_uri mismatch",
			code: &AuthorizationCodeValue{
				ClientID:    "c1",
				Scopes:      []string{ScopeOpenID},
				RedirectURI: testRedirectURI,
			},
			req:        TokenRequest{ClientID: "c1", ClientSecret: "s1", RedirectURI: "https://evil.example.com/cb"},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong client secret",
			code:       &AuthorizationCodeValue{ClientID: "c1", Scopes: []string{ScopeOpenID}},
			req:        TokenRequest{ClientID: "c1", ClientSecret: "wrong"},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "secret path with stored challenge and no verifier",
			code: &AuthorizationCodeValue{
				ClientID:            "c1",
				Scopes:              []string{ScopeOpenID},
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
			},
			req:        TokenRequest{ClientID: "c1", ClientSecret: "s1"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "verifier without stored challenge",
			code:       &AuthorizationCodeValue{ClientID: "c2", Scopes: []string{ScopeOpenID}},
			req:        TokenRequest{ClientID: "c2", CodeVerifier: verifier},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "user no longer exists",
			code: &AuthorizationCodeValue{
				UserID:   "deleted-user",
				ClientID: "c1",
				Scopes:   []string{ScopeOpenID},
			},
			req:        TokenRequest{ClientID: "c1", ClientSecret: "s1"},
			wantCode:   ErrorCodeInvalidUser,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "scope outside client allowlist",
			code: &AuthorizationCodeValue{
				ClientID: "c3",
				Scopes:   []string{ScopeOpenID, ScopeEmail},
			},
			req:        TokenRequest{ClientID: "c3", ClientSecret: "s3"},
			wantCode:   ErrorCodeNotAcceptable,
			wantStatus: http.StatusNotAcceptable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := setupTokenTestServer(t)
			env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))
			env.saveClient(t, testutil.NewPublicClient("c2", testRedirectURI))
			restricted := testutil.NewConfidentialClient(t, "c3", "s3", testRedirectURI)
			restricted.AllowedScopes = []string{ScopeOpenID}
			env.saveClient(t, restricted)

			req := tt.req
			req.GrantType = "authorization_code"
			if tt.code != nil {
				env.saveCode(t, "the-code", *tt.code)
				req.Code = "the-code"
			}
			env.clock.Advance(tt.advance)

			_, err := env.srv.Token(ctx, &req)
			assertOAuthError(t, err, tt.wantCode, tt.wantStatus)

			// Once the request is well-formed enough to look the code up, the code is spent
			// no matter which check failed
			lookedUp := req.ClientID != "" && req.Code != "" && (req.ClientSecret != "" || req.CodeVerifier != "")
			if tt.code != nil && lookedUp {
				if _, err := env.store.ConsumeVerification(ctx, "the-code"); !errors.Is(err, storage.ErrNotFound) {
					t.Errorf("code still stored after failed redemption (err = %v)", err)
				}
			}
		})
	}
}

func TestExchangeAuthorizationCode_SecretAndVerifier(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))

	challenge, verifier := testutil.GeneratePKCEPair()
	env.saveCode(t, "code-1", AuthorizationCodeValue{
		ClientID:            "c1",
		Scopes:              []string{ScopeOpenID},
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})

	_, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         "code-1",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
}

func TestExchangeAuthorizationCode_PlainPKCE(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewPublicClient("c2", testRedirectURI))
	env.saveCode(t, "code-plain", AuthorizationCodeValue{
		ClientID:            "c2",
		Scopes:              []string{ScopeOpenID},
		CodeChallenge:       "plain-verifier",
		CodeChallengeMethod: PKCEMethodPlain,
	})

	_, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c2",
		Code:         "code-plain",
		CodeVerifier: "plain-verifier",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
}

func TestExchangeAuthorizationCode_Claims(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))

	authTime := env.clock.Now().Add(-2 * time.Minute)
	env.saveCode(t, "code-claims", AuthorizationCodeValue{
		ClientID: "c1",
		Scopes:   []string{ScopeOpenID, ScopeProfile, ScopeOfflineAccess},
		Nonce:    "n-0S6_WzA2Mj",
		AuthTime: authTime,
	})

	resp, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         "code-claims",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	access := parseClaims(t, resp.AccessToken)
	if access["sub"] != testUserID {
		t.Errorf("access sub = %v, want %s", access["sub"], testUserID)
	}
	if access["azp"] != "c1" {
		t.Errorf("access azp = %v, want c1", access["azp"])
	}
	if access["scope"] != "openid profile offline_access" {
		t.Errorf("access scope = %v", access["scope"])
	}
	if access["iss"] != testIssuer {
		t.Errorf("access iss = %v, want %s", access["iss"], testIssuer)
	}
	sid, _ := access["sid"].(string)
	if sid == "" {
		t.Error("access token must carry sid")
	}
	aud := audienceOf(t, access)
	wantAud := []string{testAudience, testIssuer + DefaultUserInfoPath}
	if !slices.Equal(aud, wantAud) {
		t.Errorf("access aud = %v, want %v", aud, wantAud)
	}
	iat, _ := access.GetIssuedAt()
	exp, _ := access.GetExpirationTime()
	if got := exp.Sub(iat.Time); got != DefaultAccessTokenTTL*time.Second {
		t.Errorf("access lifetime = %v, want %v", got, DefaultAccessTokenTTL*time.Second)
	}

	id := parseClaims(t, resp.IDToken)
	if aud := audienceOf(t, id); !slices.Equal(aud, []string{"c1"}) {
		t.Errorf("id aud = %v, want [c1]", aud)
	}
	if id["nonce"] != "n-0S6_WzA2Mj" {
		t.Errorf("id nonce = %v", id["nonce"])
	}
	if id["sid"] != sid {
		t.Errorf("id sid = %v, want %s", id["sid"], sid)
	}
	if id["acr"] != DefaultACR {
		t.Errorf("id acr = %v", id["acr"])
	}
	if got, _ := id["auth_time"].(float64); int64(got) != authTime.Unix() {
		t.Errorf("id auth_time = %v, want %d", id["auth_time"], authTime.Unix())
	}
	if id["name"] != "Test User" || id["given_name"] != "Test" {
		t.Errorf("profile claims missing: %v", id)
	}
	if _, ok := id["email"]; ok {
		t.Error("email claim must not be present without the email scope")
	}

	session, err := env.store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Token != resp.RefreshToken {
		t.Error("session must hold the issued refresh token")
	}
	if session.UserID != testUserID || session.ClientID != "c1" {
		t.Errorf("session = %+v", session)
	}
	if session.Scopes != "openid,profile,offline_access" {
		t.Errorf("session scopes = %q", session.Scopes)
	}
}

func TestExchangeAuthorizationCode_NoOpenIDScope(t *testing.T) {
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))

	resp := env.issueTokens(t, "c1", "s1", "read")
	if resp.IDToken != "" {
		t.Error("id_token must not be issued without openid")
	}
	access := parseClaims(t, resp.AccessToken)
	if aud := audienceOf(t, access); !slices.Equal(aud, []string{testAudience}) {
		t.Errorf("aud = %v, want only the static audience", aud)
	}
}

func TestExchangeAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))
	env.saveCode(t, "contested", AuthorizationCodeValue{
		ClientID: "c1",
		Scopes:   []string{ScopeOpenID},
	})

	const attempts = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.Token(ctx, &TokenRequest{
				GrantType:    "authorization_code",
				ClientID:     "c1",
				ClientSecret: "s1",
				Code:         "contested",
			})
			if err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful redemptions = %d, want exactly 1", got)
	}
}

func TestExchangeAuthorizationCode_PartialResponse(t *testing.T) {
	ctx := context.Background()
	env := setupTokenTestServer(t)
	env.saveClient(t, testutil.NewConfidentialClient(t, "c1", "s1", testRedirectURI))
	env.srv.signer = &failingSigner{Signer: env.srv.signer, failOn: ClaimAuthTime}

	resp := env.issueTokens(t, "c1", "s1", ScopeOpenID, ScopeOfflineAccess)
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("access and refresh tokens must survive an ID token failure")
	}
	if resp.IDToken != "" {
		t.Error("failed id_token must be omitted")
	}

	env.srv.signer = &failingSigner{Signer: env.srv.signer, failOn: ClaimAuthorizedParty}
	env.saveCode(t, "code-fail", AuthorizationCodeValue{ClientID: "c1", Scopes: []string{ScopeOpenID}})
	_, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         "code-fail",
	})
	if err == nil {
		t.Fatal("expected error when the access token cannot be signed")
	}
	if _, ok := AsError(err); ok {
		t.Errorf("signer failure must not be an OAuth error, got %v", err)
	}
	if !strings.Contains(err.Error(), "access token") {
		t.Errorf("error = %v, want access token failure", err)
	}
}
