package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/signer"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testAudience    = "https://api.example.com"
	testUserID      = "user-123"
	testRedirectURI = "https://app.example.com/callback"
)

var testSigningSecret = []byte("test-signing-secret-0123456789abcdef")

type tokenTestEnv struct {
	srv   *Server
	store *memory.Store
	clock *testutil.MockTime
}

// setupTokenTestServer builds a server over a memory store with an HS256 signer and a
// controllable clock. opts adjust the config before New is called.
func setupTokenTestServer(t *testing.T, opts ...func(*Config)) *tokenTestEnv {
	t.Helper()
	return setupTokenTestServerWithStore(t, memory.New(), opts...)
}

// setupTokenTestServerWithStore is setupTokenTestServer over a caller-built memory store
func setupTokenTestServerWithStore(t *testing.T, store *memory.Store, opts ...func(*Config)) *tokenTestEnv {
	t.Helper()

	t.Cleanup(store.Stop)

	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store.SetClock(clock.Now)

	sig, err := signer.NewHMACSigner(testSigningSecret, testIssuer, []string{testAudience})
	if err != nil {
		t.Fatalf("NewHMACSigner() error = %v", err)
	}

	config := &Config{
		Scopes: []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess, "read", "write"},
		Clock:  clock.Now,
	}
	for _, opt := range opts {
		opt(config)
	}

	srv, err := New(store, sig, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := store.SaveUser(context.Background(), testutil.NewTestUser(testUserID)); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	return &tokenTestEnv{srv: srv, store: store, clock: clock}
}

func (e *tokenTestEnv) saveClient(t *testing.T, client *storage.Client) {
	t.Helper()
	if err := e.store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
}

// saveCode stores an authorization code the way IssueAuthorizationCode would
func (e *tokenTestEnv) saveCode(t *testing.T, code string, value AuthorizationCodeValue) {
	t.Helper()
	if value.UserID == "" {
		value.UserID = testUserID
	}
	raw, err := EncodeAuthorizationCode(value)
	if err != nil {
		t.Fatalf("EncodeAuthorizationCode() error = %v", err)
	}
	now := e.clock.Now()
	err = e.store.SaveVerification(context.Background(), &storage.Verification{
		ID:        code,
		Value:     raw,
		ExpiresAt: now.Add(e.srv.Config.authorizationCodeTTL()),
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveVerification() error = %v", err)
	}
}

// issueTokens redeems a fresh code for clientID/secret with the given scopes
func (e *tokenTestEnv) issueTokens(t *testing.T, clientID, secret string, scopes ...string) *TokenResponse {
	t.Helper()
	code := testutil.GenerateRandomString(32)
	e.saveCode(t, code, AuthorizationCodeValue{
		ClientID:    clientID,
		Scopes:      scopes,
		RedirectURI: testRedirectURI,
		Nonce:       "nonce-1",
	})
	resp, err := e.srv.Token(context.Background(), &TokenRequest{
		GrantType:    GrantAuthorizationCode.String(),
		ClientID:     clientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
	})
	if err != nil {
		t.Fatalf("Token(authorization_code) error = %v", err)
	}
	return resp
}

// parseClaims verifies an HS256 token from the test signer and returns its claims.
// Time-based claims are not validated since tests run on a fixed clock.
func parseClaims(t *testing.T, token string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation(), jwt.WithValidMethods([]string{"HS256"}))
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return testSigningSecret, nil
	})
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	return claims
}

// audienceOf normalizes the aud claim to a slice
func audienceOf(t *testing.T, claims jwt.MapClaims) []string {
	t.Helper()
	aud, err := claims.GetAudience()
	if err != nil {
		t.Fatalf("GetAudience() error = %v", err)
	}
	return aud
}

func assertOAuthError(t *testing.T, err error, wantCode string, wantStatus int) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	oauthErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oauthErr.Code != wantCode {
		t.Errorf("error code = %q, want %q (description %q)", oauthErr.Code, wantCode, oauthErr.Description)
	}
	if wantStatus != 0 && oauthErr.Status != wantStatus {
		t.Errorf("error status = %d, want %d", oauthErr.Status, wantStatus)
	}
	return oauthErr
}

// failingSigner fails every Sign call whose claims contain failOn
type failingSigner struct {
	signer.Signer
	failOn string
}

func (f *failingSigner) Sign(ctx context.Context, claims map[string]any) (string, error) {
	if _, ok := claims[f.failOn]; ok {
		return "", errors.New("signer unavailable")
	}
	return f.Signer.Sign(ctx, claims)
}
