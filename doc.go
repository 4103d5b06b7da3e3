// Package oauth exposes the authorization server over HTTP.
//
// Handler mounts the token, authorization, error, discovery and JWKS endpoints and
// delegates every protocol decision to server.Server. Sign-in stays with the embedding
// application, which supplies a SessionResolver:
//
//	srv, _ := server.New(store, sig, &server.Config{}, logger)
//	h, _ := oauth.NewHandler(srv, resolver, oauth.HandlerConfig{
//		RateLimit: oauth.RateLimitConfig{Rate: 10},
//	}, logger)
//	defer h.Close()
//
//	mux := http.NewServeMux()
//	h.RegisterRoutes(mux)
package oauth
