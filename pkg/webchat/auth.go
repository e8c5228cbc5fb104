package webchat

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind an upgrade request. Session issuance
// lives outside this package; implementations only verify.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

const (
	DefaultUserHeader = "X-User-ID"
	DefaultUserQuery  = "user_id"
)

// HeaderAuthenticator trusts a user id set by an upstream proxy, falling back
// to a query parameter for browser websocket clients that cannot set headers.
type HeaderAuthenticator struct {
	Header     string
	QueryParam string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := a.Header
	if header == "" {
		header = DefaultUserHeader
	}
	param := a.QueryParam
	if param == "" {
		param = DefaultUserQuery
	}
	if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(r.URL.Query().Get(param)); id != "" {
		return id, nil
	}
	return "", errors.Wrapf(ErrUnauthenticated, "missing %s header", header)
}
