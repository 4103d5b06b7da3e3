package server

import (
	"slices"
	"time"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// JWT claim names
const (
	ClaimIssuer          = "iss"
	ClaimSubject         = "sub"
	ClaimAudience        = "aud"
	ClaimAuthorizedParty = "azp"
	ClaimScope           = "scope"
	ClaimSessionID       = "sid"
	ClaimIssuedAt        = "iat"
	ClaimExpiresAt       = "exp"
	ClaimAuthTime        = "auth_time"
	ClaimACR             = "acr"
	ClaimNonce           = "nonce"
)

// accessTokenClaims builds a user access token. The userinfo endpoint joins the
// audience when openid was granted.
func (s *Server) accessTokenClaims(userID, clientID, scope, sessionID string, openID bool, iat, exp time.Time) map[string]any {
	audience := slices.Clone(s.Config.Audience)
	if openID {
		audience = append(audience, s.Config.userInfoURL())
	}

	claims := map[string]any{
		ClaimSubject:         userID,
		ClaimAuthorizedParty: clientID,
		ClaimScope:           scope,
		ClaimSessionID:       sessionID,
		ClaimIssuer:          s.Config.Issuer,
		ClaimIssuedAt:        iat.Unix(),
		ClaimExpiresAt:       exp.Unix(),
	}
	if len(audience) > 0 {
		claims[ClaimAudience] = audience
	}
	return claims
}

// m2mAccessTokenClaims builds a client_credentials access token. There is no user or
// session, so sub and sid are never set.
func (s *Server) m2mAccessTokenClaims(scope string, iat, exp time.Time) map[string]any {
	claims := map[string]any{
		ClaimScope:     scope,
		ClaimIssuer:    s.Config.Issuer,
		ClaimIssuedAt:  iat.Unix(),
		ClaimExpiresAt: exp.Unix(),
	}
	if len(s.Config.Audience) > 0 {
		claims[ClaimAudience] = slices.Clone(s.Config.Audience)
	}
	return claims
}

// idTokenClaims builds an OpenID Connect ID token. Profile and email claims are only
// included when their scope was granted.
func (s *Server) idTokenClaims(user *storage.User, clientID string, scopes []string, nonce string, authTime time.Time, sessionID string, iat time.Time) map[string]any {
	if authTime.IsZero() {
		authTime = iat
	}

	claims := map[string]any{
		ClaimIssuer:    s.Config.Issuer,
		ClaimSubject:   user.ID,
		ClaimAudience:  clientID,
		ClaimIssuedAt:  iat.Unix(),
		ClaimExpiresAt: iat.Add(s.Config.idTokenTTL()).Unix(),
		ClaimAuthTime:  authTime.Unix(),
		ClaimACR:       s.Config.ACR,
		ClaimSessionID: sessionID,
	}
	if nonce != "" {
		claims[ClaimNonce] = nonce
	}

	if util.ContainsScope(scopes, ScopeProfile) {
		setIfNotEmpty(claims, "name", user.Name)
		setIfNotEmpty(claims, "given_name", user.GivenName)
		setIfNotEmpty(claims, "family_name", user.FamilyName)
		setIfNotEmpty(claims, "picture", user.Image)
		if !user.UpdatedAt.IsZero() {
			claims["updated_at"] = user.UpdatedAt.Unix()
		}
	}
	if util.ContainsScope(scopes, ScopeEmail) {
		setIfNotEmpty(claims, "email", user.Email)
		claims["email_verified"] = user.EmailVerified
	}

	return claims
}

func setIfNotEmpty(claims map[string]any, key, value string) {
	if value != "" {
		claims[key] = value
	}
}
