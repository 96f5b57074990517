package realtime

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"ptyhive/internal/protocol"
)

// Authorizer decides whether a request may use the API.
type Authorizer interface {
	Authorize(r *http.Request) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) bool

func (f AuthorizerFunc) Authorize(r *http.Request) bool { return f(r) }

// AllowAll accepts every request.
var AllowAll Authorizer = AuthorizerFunc(func(*http.Request) bool { return true })

// TokenAuthorizer accepts requests carrying a static bearer token, either
// in the Authorization header or, for browsers opening a websocket, in the
// "token" query parameter.
type TokenAuthorizer struct {
	Token string
}

func (a TokenAuthorizer) Authorize(r *http.Request) bool {
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return false
		}
		got = value
	}
	if got == "" || a.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) == 1
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authorize(r) {
			writeError(w, http.StatusUnauthorized, protocol.ErrUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
