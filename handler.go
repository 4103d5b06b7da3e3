package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
)

// maxTokenRequestBytes bounds token request bodies
const maxTokenRequestBytes = 64 << 10

// loginReturnParam carries the original authorization request to the login page
const loginReturnParam = "return_to"

// SupportedTokenAuthMethods lists the client authentication methods of the token endpoint
var SupportedTokenAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// publicKeySource is implemented by signers that can publish their verification keys
type publicKeySource interface {
	PublicJWKS() *jose.JSONWebKeySet
}

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server      *server.Server
	sessions    SessionResolver
	config      HandlerConfig
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewHandler creates a new HTTP handler. sessions may be nil, in which case every
// authorization request is treated as unauthenticated.
// Callers must call Close when done.
func NewHandler(srv *server.Server, sessions SessionResolver, config HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:   srv,
		sessions: sessions,
		config:   applyHandlerDefaults(config),
		logger:   logger,
		tracer:   srv.Instrumentation.Tracer("http"),
	}

	if h.config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			RequestsPerSecond: h.config.RateLimit.Rate,
			Burst:             h.config.RateLimit.Burst,
			MaxEntries:        h.config.RateLimit.MaxEntries,
			CleanupInterval:   h.config.RateLimit.CleanupInterval,
		}, logger)
	}

	return h, nil
}

// Close releases background resources
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes mounts every endpoint on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(h.config.TokenPath, h.wrap(endpointToken, h.ServeToken))
	mux.Handle(h.config.AuthorizationPath, h.wrap(endpointAuthorization, h.ServeAuthorization))
	mux.Handle(h.config.ErrorPath, h.wrap(endpointError, h.ServeError))
	mux.Handle(DefaultOpenIDConfigPath, h.wrap(endpointDiscovery, h.ServeOpenIDConfiguration))
	mux.Handle(DefaultAuthServerMetadataPath, h.wrap(endpointDiscovery, h.ServeOpenIDConfiguration))
	if _, ok := h.server.Signer().(publicKeySource); ok {
		mux.Handle(h.config.JWKSPath, h.wrap(endpointJWKS, h.ServeJWKS))
	}
}

// ServeToken handles token endpoint requests for every supported grant
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	instrumentation.AddSecurityAttributes(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, endpointToken) {
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	req, err := h.parseTokenRequest(w, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.handleError(w, err, "client_id", req.ClientID, "ip", clientIP)
		return
	}
	req.ClientIP = clientIP

	resp, err := h.server.Token(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.handleError(w, err, "grant_type", req.GrantType, "client_id", req.ClientID, "ip", clientIP)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// parseTokenRequest decodes a JSON or form body and merges HTTP Basic client
// credentials into the fields the body left empty. The returned request is never nil.
func (h *Handler) parseTokenRequest(w http.ResponseWriter, r *http.Request) (*server.TokenRequest, error) {
	req := &server.TokenRequest{}
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body tokenRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return req, server.ErrInvalidRequest("Failed to parse request body")
		}
		*req = server.TokenRequest{
			GrantType:    body.GrantType,
			ClientID:     body.ClientID,
			ClientSecret: body.ClientSecret,
			Code:         body.Code,
			CodeVerifier: body.CodeVerifier,
			RedirectURI:  body.RedirectURI,
			RefreshToken: body.RefreshToken,
			Scope:        body.Scope,
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, server.ErrInvalidRequest("Failed to parse request")
		}
		*req = server.TokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			Code:         r.PostForm.Get("code"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
		}
	}

	if err := mergeBasicAuth(r, req); err != nil {
		return req, err
	}
	return req, nil
}

// mergeBasicAuth applies client_secret_basic credentials (RFC 6749 Section 2.3.1).
// Only fields missing from the body are filled. A body client_id that names a
// different client than the header is rejected.
func mergeBasicAuth(r *http.Request, req *server.TokenRequest) error {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "basic ") {
		return nil
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return server.ErrInvalidClient("Malformed Basic authorization header")
	}
	clientID, errID := url.QueryUnescape(username)
	clientSecret, errSecret := url.QueryUnescape(password)
	if errID != nil || errSecret != nil || clientID == "" || clientSecret == "" {
		return server.ErrInvalidClient("Malformed Basic authorization header")
	}

	if req.ClientID != "" && req.ClientID != clientID {
		return server.ErrInvalidClient("client_id does not match Basic authorization header")
	}
	if req.ClientID == "" {
		req.ClientID = clientID
	}
	if req.ClientSecret == "" {
		req.ClientSecret = clientSecret
	}
	return nil
}

// ServeAuthorization handles OAuth authorization requests
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()

	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	instrumentation.AddSecurityAttributes(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, endpointAuthorization) {
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	q := r.URL.Query()
	authReq, err := h.server.ResolveAuthorizationRequest(ctx, server.AuthorizationParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		State:               q.Get("state"),
		Prompt:              q.Get("prompt"),
	})
	if err != nil {
		var authErr *server.AuthorizationError
		if errors.As(err, &authErr) {
			instrumentation.AddOAuthErrorAttributes(span, authErr.Err.Code, authErr.Err.Description)
			h.redirect(w, r, authErr.RedirectURL)
			return
		}
		instrumentation.RecordError(span, err)
		h.handleError(w, err, "client_id", q.Get("client_id"), "ip", clientIP)
		return
	}
	instrumentation.AddOAuthFlowAttributes(span, authReq.Client.ClientID, "", util.FormatScope(authReq.Scopes))

	var session *UserSession
	if h.sessions != nil {
		session, err = h.sessions.ResolveSession(r, authReq)
		if err != nil {
			instrumentation.RecordError(span, err)
			h.logger.Error("Failed to resolve user session", "client_id", authReq.Client.ClientID, "error", err)
			h.redirect(w, r, h.server.ErrorRedirect(authReq, server.ErrServerError("internal server error")).RedirectURL)
			return
		}
	}

	if session == nil || session.UserID == "" {
		if authReq.HasPrompt(server.PromptNone) {
			h.redirect(w, r, h.server.ErrorRedirect(authReq, server.ErrLoginRequired("user is not signed in")).RedirectURL)
			return
		}
		h.redirect(w, r, h.loginURL(r))
		return
	}

	redirectURL, err := h.server.IssueAuthorizationCode(ctx, authReq, session.UserID, session.AuthTime)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.logger.Error("Failed to issue authorization code", "client_id", authReq.Client.ClientID, "error", err)
		h.redirect(w, r, h.server.ErrorRedirect(authReq, server.ErrServerError("internal server error")).RedirectURL)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.redirect(w, r, redirectURL)
}

// loginURL sends the user agent to the login page with a path back to this request
func (h *Handler) loginURL(r *http.Request) string {
	u, err := url.Parse(h.server.Config.LoginURL)
	if err != nil {
		return h.server.Config.LoginURL
	}
	q := u.Query()
	q.Set(loginReturnParam, r.URL.RequestURI())
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	http.Redirect(w, r, target, http.StatusFound)
}

var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Authorization Error</title>
</head>
<body>
    <h1>Authorization Error</h1>
    <p><code>{{.Error}}</code></p>
    {{if .ErrorDescription}}<p>{{.ErrorDescription}}</p>{{end}}
</body>
</html>
`))

// ServeError renders authorization errors that could not be sent to the client
func (h *Handler) ServeError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	data := ErrorResponse{
		Error:            util.SafeTruncate(q.Get("error"), 64),
		ErrorDescription: util.SafeTruncate(q.Get("error_description"), 256),
	}
	if data.Error == "" {
		data.Error = ErrorCodeInvalidRequest
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	if err := errorPageTemplate.Execute(w, data); err != nil {
		h.logger.Error("Failed to render error page", "error", err)
	}
}

// ServeOpenIDConfiguration serves OpenID Connect Discovery 1.0 metadata. The same
// document is served as RFC 8414 Authorization Server Metadata.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if h.checkRateLimit(w, r, clientIP, endpointDiscovery) {
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, h.buildProviderMetadata())
}

func (h *Handler) buildProviderMetadata() *ProviderMetadata {
	cfg := h.server.Config
	grantTypes := make([]string, 0, len(server.SupportedGrantTypes))
	for _, g := range server.SupportedGrantTypes {
		grantTypes = append(grantTypes, g.String())
	}
	challengeMethods := []string{server.PKCEMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, server.PKCEMethodPlain)
	}

	metadata := &ProviderMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.Issuer + h.config.AuthorizationPath,
		TokenEndpoint:                     cfg.Issuer + h.config.TokenPath,
		UserInfoEndpoint:                  cfg.Issuer + cfg.UserInfoPath,
		ScopesSupported:                   cfg.Scopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               grantTypes,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{h.server.Signer().Algorithm()},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     challengeMethods,
		PromptValuesSupported: []string{
			server.PromptNone, server.PromptLogin, server.PromptConsent, server.PromptSelectAccount,
		},
		ClaimsSupported: []string{
			server.ClaimIssuer, server.ClaimSubject, server.ClaimAudience, server.ClaimAuthorizedParty,
			server.ClaimIssuedAt, server.ClaimExpiresAt, server.ClaimAuthTime, server.ClaimACR,
			server.ClaimNonce, server.ClaimSessionID,
			"name", "given_name", "family_name", "picture", "updated_at", "email", "email_verified",
		},
		AuthorizationResponseIssParameterSupported: true,
	}
	if _, ok := h.server.Signer().(publicKeySource); ok {
		metadata.JWKSURI = cfg.Issuer + h.config.JWKSPath
	}
	return metadata
}

// ServeJWKS serves the signer's public keys (RFC 7517)
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	source, ok := h.server.Signer().(publicKeySource)
	if !ok {
		http.NotFound(w, r)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, source.PublicJWKS())
}

// checkRateLimit applies the per-IP limit.
// Returns true if rate limit exceeded and response was written.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"endpoint", endpoint,
		"request_id", security.GetRequestID(r.Context()))
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	h.server.Auditor.LogRateLimitExceeded(clientIP, "")

	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// handleError writes OAuth errors as-is; anything else is logged with logArgs and
// answered with a generic server_error
func (h *Handler) handleError(w http.ResponseWriter, err error, logArgs ...any) {
	if oauthErr, ok := server.AsError(err); ok {
		if oauthErr.Code == ErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Error("Request failed", append(logArgs, "error", err)...)
	h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStoreHeaders(w)
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}
