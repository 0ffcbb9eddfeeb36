package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/internal/utils"
)

// KeyFunc derives the client identifier for a request.
type KeyFunc func(r *http.Request) string

// ClientKey uses the authenticated user id when identify returns one, else the client IP.
func ClientKey(identify func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		if identify != nil {
			if id := identify(r); id != "" {
				return "user:" + id
			}
		}
		return "ip:" + utils.ClientIP(r)
	}
}

// Middleware enforces p for the route tag.
func (l *Limiter) Middleware(tag string, p Policy, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Check(r.Context(), key(r)+":"+tag, p)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(p.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

			if !res.Allowed {
				retryAfter := int64(math.Ceil(res.ResetIn.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				if l.metrics != nil {
					l.metrics.RateLimited.WithLabelValues(tag).Inc()
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				response.RateLimit(w, "Too many requests. Try again later.", retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
