package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/diagnosis/counsel-portal/internal/checkout"
	mw "github.com/diagnosis/counsel-portal/internal/http/middleware"
	"github.com/diagnosis/counsel-portal/internal/http/response"
)

const maxWebhookBytes = 512 << 10

func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Store.Catalogue(r.Context())
	if err != nil {
		fail(w, r, "list_documents", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	claims := mw.Claims(r)
	userID, ok := mw.UserID(r)
	if !ok || claims == nil {
		response.Unauthorized(w, "authentication required")
		return
	}
	var in checkout.CheckoutRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")

	res, err := h.Store.CreateCheckout(r.Context(), checkout.Customer{UserID: &userID, Email: claims.Email}, in)
	if err != nil {
		fail(w, r, "create_checkout", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"checkout": res})
}

// StripeWebhook is authenticated by the Stripe-Signature header, not CSRF.
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		response.BadRequest(w, "could not read body")
		return
	}
	if len(payload) > maxWebhookBytes {
		response.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large", response.CodeInvalidInput)
		return
	}

	out, err := h.Store.HandleStripeWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, checkout.ErrInvalidSignature) {
			response.BadRequest(w, err.Error())
			return
		}
		fail(w, r, "stripe_webhook", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"received": true, "duplicate": out.Duplicate, "status": out.Status})
}

func (h *Handlers) RecordCart(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string              `json:"email"`
		Items []checkout.CartItem `json:"items"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	id, err := h.Store.RecordAbandonedCart(r.Context(), in.Email, in.Items)
	if err != nil {
		fail(w, r, "record_cart", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"cart_id": id})
}
