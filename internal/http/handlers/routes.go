package handlers

import (
	"net/http"
	"time"

	mw "github.com/diagnosis/counsel-portal/internal/http/middleware"
	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/internal/ratelimit"
	pkgmw "github.com/diagnosis/counsel-portal/pkg/middleware"
	"github.com/go-chi/chi/v5"
)

// Per-route rate limit policies.
var (
	slotsPolicy    = ratelimit.Policy{MaxRequests: 60, Window: time.Minute}
	validatePolicy = ratelimit.Policy{MaxRequests: 30, Window: time.Minute}
	bookingPolicy  = ratelimit.Policy{MaxRequests: 5, Window: 10 * time.Minute}
	lockoutPolicy  = ratelimit.Policy{MaxRequests: 10, Window: time.Minute}
	loginPolicy    = ratelimit.Policy{MaxRequests: 10, Window: time.Minute}
	registerPolicy = ratelimit.Policy{MaxRequests: 5, Window: time.Hour}
	checkoutPolicy = ratelimit.Policy{MaxRequests: 10, Window: time.Minute}
	cartPolicy     = ratelimit.Policy{MaxRequests: 20, Window: time.Minute}
	pageviewPolicy = ratelimit.Policy{MaxRequests: 120, Window: time.Minute}
	chatPolicy     = ratelimit.Policy{MaxRequests: 20, Window: time.Minute}
)

func passthrough(next http.Handler) http.Handler { return next }

func (h *Handlers) limit(tag string, p ratelimit.Policy) func(http.Handler) http.Handler {
	if h.Limiter == nil {
		return passthrough
	}
	return h.Limiter.Middleware(tag, p, ratelimit.ClientKey(mw.Identify))
}

func (h *Handlers) idempotent() func(http.Handler) http.Handler {
	if h.Idempotency == nil {
		return passthrough
	}
	return pkgmw.Idempotency(h.Idempotency, h.IdempotencyTTL)
}

// Routes mounts the /api tree.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	if h.CSRF != nil {
		r.Use(h.CSRF.Middleware)
	}
	r.Use(mw.OptionalJWT(h.JWTSecret))

	r.Get("/health", h.Health)
	r.Get("/csrf", h.CSRFToken)

	r.Route("/availability", func(r chi.Router) {
		r.With(h.limit("slots", slotsPolicy)).Get("/slots", h.ListSlots)
		r.With(h.limit("validate", validatePolicy)).Post("/validate", h.ValidateSlot)
	})
	r.With(h.limit("bookings", bookingPolicy), h.idempotent()).Post("/bookings", h.CreateBooking)

	r.Route("/auth", func(r chi.Router) {
		r.With(h.limit("check_lockout", lockoutPolicy)).Post("/check-lockout", h.CheckLockout)
		r.With(h.limit("login", loginPolicy)).Post("/login", h.Login)
		r.With(h.limit("register", registerPolicy)).Post("/register", h.Register)
	})

	r.Route("/xp", func(r chi.Router) {
		r.Use(mw.RequireJWT(h.JWTSecret))
		r.Get("/status", h.XPStatus)
		r.Post("/earn", h.EarnXP)
		r.Post("/redeem", h.RedeemXP)
	})

	r.Get("/store/documents", h.ListDocuments)
	r.Route("/stripe", func(r chi.Router) {
		r.With(mw.RequireJWT(h.JWTSecret), h.limit("checkout", checkoutPolicy), h.idempotent()).
			Post("/create-checkout", h.CreateCheckout)
		r.Post("/webhook", h.StripeWebhook)
	})
	r.With(h.limit("cart", cartPolicy)).Post("/cart/abandoned", h.RecordCart)

	r.Get("/content/{kind}", h.ListContent)
	r.Get("/content/{kind}/{slug}", h.GetContent)

	r.With(h.limit("pageview", pageviewPolicy)).Post("/analytics/pageview", h.RecordPageView)
	r.With(h.limit("chat", chatPolicy)).Post("/chat", h.Chat)

	r.Route("/admin", func(r chi.Router) {
		r.Use(mw.RequireJWT(h.JWTSecret), mw.RequireAdmin)
		r.Get("/analytics/dashboard", h.Dashboard)
		r.Get("/analytics/daily", h.Daily)
		r.Post("/analytics/rollup", h.RunRollup)
		r.Post("/webhooks/{provider}/{eventID}/release", h.ReleaseWebhook)
	})
	return r
}

func (h *Handlers) CSRFToken(w http.ResponseWriter, r *http.Request) {
	if h.CSRF == nil {
		response.ServiceUnavailable(w, "csrf protection is not configured")
		return
	}
	token := h.CSRF.Token(r)
	if token == "" {
		response.ServiceUnavailable(w, "csrf token unavailable")
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"csrf_token": token})
}
