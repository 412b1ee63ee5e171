package ratelimit

import (
	"errors"
	"net/http"
	"strings"
)

import (
	"github.com/emberline/shopguard/internal/util"
)

// ErrNoAdminToken is returned when an admin-category request carries no
// bearer token. The caller must answer 401 instead of falling back to
// an IP quota.
var ErrNoAdminToken = errors.New("ratelimit: admin token required")

// Resolver derives a rate-limit identity from request metadata.
//
// Token identities use a truncated prefix of the bearer token hashed
// with FNV-64. The truncation is a placeholder scheme: swap in a
// verified-claim extractor via TokenIdentity once token verification is
// available.
type Resolver struct {
	// IPHeaders are tried in order for the forwarded client address.
	IPHeaders []string
	// TokenPrefixLen bounds how much token material feeds the identity.
	TokenPrefixLen int
	// TokenIdentity maps a raw bearer token to an identity string.
	// Defaults to hashed-prefix extraction.
	TokenIdentity func(token string) string
}

// NewResolver builds a resolver with the standard edge headers.
func NewResolver(tokenPrefixLen int) *Resolver {
	r := &Resolver{
		IPHeaders:      []string{"CF-Connecting-IP", "X-Forwarded-For"},
		TokenPrefixLen: tokenPrefixLen,
	}
	r.TokenIdentity = r.hashedPrefix
	return r
}

// ClientIP returns the first forwarded client address, or "unknown"
// when no header is present.
func (rv *Resolver) ClientIP(req *http.Request) string {
	for _, h := range rv.IPHeaders {
		v := strings.TrimSpace(req.Header.Get(h))
		if v == "" {
			continue
		}
		// X-Forwarded-For may hold a chain; the first entry is the client.
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
		if v != "" {
			return v
		}
	}
	return "unknown"
}

// BearerToken extracts the Authorization bearer token, or "".
func (rv *Resolver) BearerToken(req *http.Request) string {
	auth := strings.TrimSpace(req.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// Identify resolves the identity and effective category for a request.
// A token-less customer request degrades to the IP category; a
// token-less admin request is an authentication error.
func (rv *Resolver) Identify(req *http.Request, cat Category) (string, Category, error) {
	switch cat {
	case CategoryAdmin:
		tok := rv.BearerToken(req)
		if tok == "" {
			return "", cat, ErrNoAdminToken
		}
		return rv.TokenIdentity(tok), cat, nil
	case CategoryCustomer:
		tok := rv.BearerToken(req)
		if tok == "" {
			return rv.ClientIP(req), CategoryIP, nil
		}
		return rv.TokenIdentity(tok), cat, nil
	case CategoryPayment:
		if tok := rv.BearerToken(req); tok != "" {
			return rv.TokenIdentity(tok), cat, nil
		}
		return rv.ClientIP(req), cat, nil
	default:
		return rv.ClientIP(req), CategoryIP, nil
	}
}

func (rv *Resolver) hashedPrefix(token string) string {
	n := rv.TokenPrefixLen
	if n <= 0 {
		n = 16
	}
	if len(token) > n {
		token = token[:n]
	}
	return "tok:" + util.FNV64(token)
}
