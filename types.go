package oauth

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// ProviderMetadata represents OpenID Connect Discovery 1.0 provider metadata.
// The same document is served as RFC 8414 Authorization Server Metadata.
type ProviderMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// UserInfoEndpoint is the URL added to the access token audience when openid is granted
	UserInfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// JWKSURI is the URL of the public signing keys, when the signer exposes them
	JWKSURI string `json:"jwks_uri,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported"`

	// SubjectTypesSupported lists the subject identifier types supported
	SubjectTypesSupported []string `json:"subject_types_supported"`

	// IDTokenSigningAlgValuesSupported lists the JWS algorithms used for ID tokens
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported
	// at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// PromptValuesSupported lists the prompt values the authorization endpoint accepts
	PromptValuesSupported []string `json:"prompt_values_supported,omitempty"`

	// ClaimsSupported lists the claims ID tokens may carry
	ClaimsSupported []string `json:"claims_supported,omitempty"`

	// AuthorizationResponseIssParameterSupported indicates the iss parameter on
	// authorization responses (RFC 9207)
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported"`
}

// tokenRequestBody is the JSON form of a token request
type tokenRequestBody struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}
