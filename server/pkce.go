package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// PKCE methods (RFC 7636). Authorization requests may send them in any case;
// stored values are normalized to these spellings.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

var errPKCEMismatch = errors.New("code_verifier does not match code_challenge")

// normalizePKCEMethod maps a code_challenge_method to its canonical spelling.
// An empty method defaults to S256. plain is only accepted when allowPlain is set.
func normalizePKCEMethod(method string, allowPlain bool) (string, error) {
	switch strings.ToLower(method) {
	case "", "s256":
		return PKCEMethodS256, nil
	case "plain":
		if !allowPlain {
			return "", fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		return PKCEMethodPlain, nil
	default:
		supported := "s256"
		if allowPlain {
			supported += ", plain"
		}
		return "", fmt.Errorf("unsupported code_challenge_method: %s (supported: %s)", method, supported)
	}
}

// verifyPKCE checks verifier against a stored challenge with a constant-time compare.
// The verifier itself is not format-checked; a malformed verifier simply never matches.
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" || verifier == "" {
		return errPKCEMismatch
	}

	var computed string
	switch method {
	case PKCEMethodS256, "":
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errPKCEMismatch
	}
	return nil
}
