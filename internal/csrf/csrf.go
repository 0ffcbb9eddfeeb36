package csrf

import (
	"crypto/sha256"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	gcsrf "github.com/gorilla/csrf"
)

const (
	CookieName = "csrf_token"
	HeaderName = "X-CSRF-Token"
	cookieTTL  = 24 * time.Hour
)

// Guard wraps gorilla/csrf with the portal's cookie settings, error envelope
// and path exemptions.
type Guard struct {
	protect func(http.Handler) http.Handler
	secure  bool
	exempt  map[string]struct{}
}

// New derives the cookie key from secret. trustedOrigins are the front-end
// origins allowed to post from another host, e.g. the CORS allow list.
func New(secret string, secure bool, exemptPaths, trustedOrigins []string) *Guard {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[strings.TrimRight(p, "/")] = struct{}{}
	}

	key := sha256.Sum256([]byte(secret))
	return &Guard{
		secure: secure,
		exempt: exempt,
		protect: gcsrf.Protect(key[:],
			gcsrf.CookieName(CookieName),
			gcsrf.RequestHeader(HeaderName),
			gcsrf.Path("/"),
			gcsrf.MaxAge(int(cookieTTL.Seconds())),
			gcsrf.HttpOnly(true),
			gcsrf.Secure(secure),
			gcsrf.SameSite(gcsrf.SameSiteLaxMode),
			gcsrf.TrustedOrigins(hosts(trustedOrigins)),
			gcsrf.ErrorHandler(http.HandlerFunc(rejected)),
		),
	}
}

// Token returns the masked token for r. It is empty unless r went through Middleware.
func (g *Guard) Token(r *http.Request) string {
	return gcsrf.Token(r)
}

// Middleware issues the cookie on any request and rejects unsafe methods
// without a matching header. Exempt paths are never checked.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	protected := g.protect(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.secure {
			r = gcsrf.PlaintextHTTPRequest(r)
		}
		if g.isExempt(r.URL.Path) {
			r = gcsrf.UnsafeSkipCheck(r)
		}
		protected.ServeHTTP(w, r)
	})
}

func (g *Guard) isExempt(path string) bool {
	_, ok := g.exempt[strings.TrimRight(path, "/")]
	return ok
}

func rejected(w http.ResponseWriter, r *http.Request) {
	logger.WarnContext(r.Context(), "csrf validation failed", "error", gcsrf.FailureReason(r), "path", r.URL.Path)
	response.WriteError(w, http.StatusForbidden, "Invalid CSRF token", response.CodeCSRF)
}

// hosts reduces origins to the bare hosts gorilla/csrf compares against.
func hosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "" || o == "*" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
