// Package signer provides the token signers used by the authorization server.
//
// A Signer receives a finished claim set and returns a compact JWS. Two
// implementations are provided:
//
//   - JOSESigner signs with an RSA, ECDSA or Ed25519 key using go-jose and exposes
//     the public key through PublicJWKS for the /.well-known/jwks.json endpoint.
//   - HMACSigner signs with a shared HS256 secret using golang-jwt. It suits
//     deployments where the resource servers already share a secret with the
//     authorization server.
//
// Example usage:
//
//	key, err := signer.LoadSigningKey("/etc/oauth/signing.pem")
//	if err != nil {
//		return err
//	}
//	s, err := signer.NewJOSESigner(signer.JOSEConfig{
//		Key:      key,
//		Issuer:   "https://auth.example.com",
//		Audience: []string{"https://api.example.com"},
//	})
package signer
