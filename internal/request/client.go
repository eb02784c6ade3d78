package request

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	// LoopbackAddress buckets local traffic and requests with no address headers.
	LoopbackAddress = "localhost"
	// BotPrefix marks unauthenticated clients without a browser user agent.
	BotPrefix = "bot-"
	// UserKeyPrefix namespaces keys derived from verified sessions so a forged
	// address header can never land in a user's bucket.
	UserKeyPrefix = "user:"
	// DefaultSessionCookie is the cookie holding the session token.
	DefaultSessionCookie = "tokenAIGF"
)

// SessionVerifier checks a session token and returns the stable principal ID.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (string, error)
}

// Identity is the bucket a request is counted against.
type Identity struct {
	Key           string
	Address       string
	PrincipalID   string
	Authenticated bool
}

// Resolver derives rate limit identities from requests.
type Resolver struct {
	verifier   SessionVerifier
	cookieName string
	log        *zap.Logger
}

// NewResolver creates a resolver. A nil verifier disables session lookup.
func NewResolver(verifier SessionVerifier, cookieName string, log *zap.Logger) *Resolver {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{verifier: verifier, cookieName: cookieName, log: log}
}

// Resolve returns the principal's identity when the request carries a valid
// session, else the address-based identity. Verification failures are not errors.
func (res *Resolver) Resolve(r *http.Request) Identity {
	if res.verifier != nil {
		if token := res.SessionToken(r); token != "" {
			principal, err := res.verifier.VerifySession(r.Context(), token)
			if err == nil && principal != "" {
				return Identity{
					Key:           UserKeyPrefix + principal,
					Address:       ClientAddress(r),
					PrincipalID:   principal,
					Authenticated: true,
				}
			}
			if err == nil {
				res.log.Debug("session_verification_failed", zap.String("reason", "empty principal"))
			} else {
				res.log.Debug("session_verification_failed", zap.String("reason", "invalid session"), zap.Error(err))
			}
		}
	}
	return ResolveAddress(r)
}

// SessionToken returns the session cookie value, falling back to a bearer token.
func (res *Resolver) SessionToken(r *http.Request) string {
	if c, err := r.Cookie(res.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// ResolveAddress returns the address-based identity without consulting sessions.
func ResolveAddress(r *http.Request) Identity {
	addr := ClientAddress(r)
	key := addr
	if !IsBrowser(r.UserAgent()) {
		key = BotPrefix + addr
	}
	return Identity{Key: key, Address: addr}
}

// ClientAddress extracts the client address from proxy headers. Precedence is
// X-Real-IP, the first X-Forwarded-For entry, then CF-Connecting-IP.
func ClientAddress(r *http.Request) string {
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return NormalizeAddress(xri)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return NormalizeAddress(first)
		}
	}
	if cf := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cf != "" {
		return NormalizeAddress(cf)
	}
	return LoopbackAddress
}

// NormalizeAddress folds loopback spellings into LoopbackAddress.
func NormalizeAddress(addr string) string {
	switch addr {
	case "::1", "::ffff:127.0.0.1", "127.0.0.1":
		return LoopbackAddress
	}
	return addr
}

// IsBrowser reports whether the user agent looks like a browser.
func IsBrowser(userAgent string) bool {
	return strings.Contains(userAgent, "Mozilla")
}
