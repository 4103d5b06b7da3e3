// Package server implements the core of an OAuth 2.0 / OpenID Connect authorization
// server: the token endpoint grants, the authorization request resolver and client
// validation.
//
// The Server type is transport-agnostic. The HTTP layer decodes a request into a
// TokenRequest (or AuthorizationParams) and writes back the TokenResponse or *Error.
// Persistence and signing are delegated:
//   - Clients, authorization codes, sessions and users (storage package)
//   - Access and ID token signing (signer package)
//   - Audit logging and encryption (security package)
//
// Supported grants:
//   - authorization_code, with PKCE (S256, optionally plain) or a client secret
//   - client_credentials, issuing machine-to-machine tokens without a user or session
//   - refresh_token, with in-place rotation and scope narrowing
//
// Authorization codes are consumed atomically before they are validated, so a code
// can only ever be redeemed once. Refresh tokens are rotated with a compare-and-swap
// on the session; of two concurrent refreshes with the same token only one succeeds.
//
// Example usage:
//
//	store := memory.New()
//	sig, err := signer.NewHMACSigner(secret, "https://auth.example.com", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(store, sig, &server.Config{}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := srv.Token(ctx, &server.TokenRequest{
//	    GrantType:    "authorization_code",
//	    ClientID:     clientID,
//	    Code:         code,
//	    CodeVerifier: verifier,
//	})
package server
