package oauth

import (
	"net/http"
	"time"

	"github.com/giantswarm/oauth-provider/server"
)

// UserSession identifies the signed-in user of an authorization request
type UserSession struct {
	UserID   string
	AuthTime time.Time
}

// SessionResolver finds the user behind an authorization request. Sign-in itself
// (cookies, login pages, upstream identity providers) belongs to the embedding
// application.
//
// ResolveSession returns nil and no error when nobody is signed in. The resolved
// request is passed so implementations can honor prompt=login by returning nil.
type SessionResolver interface {
	ResolveSession(r *http.Request, req *server.AuthorizationRequest) (*UserSession, error)
}

// SessionResolverFunc adapts a function to SessionResolver
type SessionResolverFunc func(r *http.Request, req *server.AuthorizationRequest) (*UserSession, error)

// ResolveSession calls f(r, req)
func (f SessionResolverFunc) ResolveSession(r *http.Request, req *server.AuthorizationRequest) (*UserSession, error) {
	return f(r, req)
}
