package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a request carries no valid token
var ErrUnauthorized = errors.New("unauthorized")

// Authorizer checks the shared-secret bearer token of a meeting request.
// Browsers cannot set headers on websocket requests, so the token is also
// accepted from the auth_token query parameter.
type Authorizer struct {
	token  []byte
	bypass bool
}

// NewAuthorizer creates an Authorizer. With bypass set every request is allowed.
func NewAuthorizer(token string, bypass bool) *Authorizer {
	return &Authorizer{token: []byte(token), bypass: bypass}
}

// Authorize returns ErrUnauthorized unless the request presents the token
func (a *Authorizer) Authorize(r *http.Request) error {
	if a.bypass {
		return nil
	}
	if len(a.token) == 0 {
		return ErrUnauthorized
	}

	presented := bearerToken(r)
	if presented == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), a.token) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("auth_token")
}
