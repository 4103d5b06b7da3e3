package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"slices"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// JOSEConfig configures an asymmetric signer
type JOSEConfig struct {
	// Key is the private signing key (RSA, ECDSA or Ed25519)
	Key crypto.Signer

	// KeyID is the kid header. Derived from the RFC 7638 thumbprint when empty.
	KeyID string

	// Algorithm overrides the algorithm derived from the key type
	Algorithm string

	// Issuer is required
	Issuer string

	// Audience is the default access token audience
	Audience []string
}

// JOSESigner signs JWTs with an asymmetric key and publishes the public half as a JWKS
type JOSESigner struct {
	signer    jose.Signer
	publicKey jose.JSONWebKey
	alg       string
	issuer    string
	audience  []string
}

var _ Signer = (*JOSESigner)(nil)

// NewJOSESigner creates a signer from cfg
func NewJOSESigner(cfg JOSEConfig) (*JOSESigner, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if cfg.Issuer == "" {
		return nil, ErrNoIssuer
	}

	alg := cfg.Algorithm
	if alg == "" {
		derived, err := DeriveAlgorithm(cfg.Key)
		if err != nil {
			return nil, err
		}
		alg = derived
	} else if err := ValidateAlgorithmForKey(alg, cfg.Key); err != nil {
		return nil, err
	}

	kid := cfg.KeyID
	if kid == "" {
		derived, err := DeriveKeyID(cfg.Key)
		if err != nil {
			return nil, err
		}
		kid = derived
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(alg),
			Key:       jose.JSONWebKey{Key: cfg.Key, KeyID: kid, Algorithm: alg},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	return &JOSESigner{
		signer: signer,
		publicKey: jose.JSONWebKey{
			Key:       cfg.Key.Public(),
			KeyID:     kid,
			Algorithm: alg,
			Use:       "sig",
		},
		alg:      alg,
		issuer:   cfg.Issuer,
		audience: slices.Clone(cfg.Audience),
	}, nil
}

// Sign serializes claims as a signed JWT
func (s *JOSESigner) Sign(_ context.Context, claims map[string]any) (string, error) {
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Issuer returns the configured issuer
func (s *JOSESigner) Issuer() string { return s.issuer }

// Audience returns a copy of the default audience
func (s *JOSESigner) Audience() []string { return slices.Clone(s.audience) }

// Algorithm returns the JWS algorithm
func (s *JOSESigner) Algorithm() string { return s.alg }

// KeyID returns the kid header value
func (s *JOSESigner) KeyID() string { return s.publicKey.KeyID }

// PublicJWKS returns the public verification key set
func (s *JOSESigner) PublicJWKS() *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.publicKey}}
}

// LoadSigningKey loads a private key from a PEM file.
// Supports RSA (PKCS1 and PKCS8), ECDSA (SEC 1 and PKCS8) and Ed25519 (PKCS8).
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(keyPEM)
}

// ParseSigningKey parses a PEM-encoded private key
func ParseSigningKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// DeriveKeyID computes a key ID from the public key using the RFC 7638 JWK thumbprint
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm for a key type
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return string(jose.RS256), nil
	case *ecdsa.PrivateKey:
		return deriveECAlgorithm(k.Curve)
	case ed25519.PrivateKey:
		return string(jose.EdDSA), nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return string(jose.ES256), nil
	case elliptic.P384():
		return string(jose.ES384), nil
	case elliptic.P521():
		return string(jose.ES512), nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks that alg can be produced by key
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch jose.SignatureAlgorithm(alg) {
		case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
			return nil
		}
		return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
	case *ecdsa.PrivateKey:
		expected, err := deriveECAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if alg != expected {
			return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				alg, k.Curve.Params().Name, expected)
		}
		return nil
	case ed25519.PrivateKey:
		if alg != string(jose.EdDSA) {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 key", alg)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", key)
	}
}
