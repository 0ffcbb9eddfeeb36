package handlers

import (
	"net/http"

	mw "github.com/diagnosis/counsel-portal/internal/http/middleware"
	"github.com/diagnosis/counsel-portal/internal/http/response"
)

// XPStatus returns the signed-in user's XP summary.
func (h *Handlers) XPStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.UserID(r)
	if !ok {
		response.Unauthorized(w, "authentication required")
		return
	}
	st, err := h.XP.Status(r.Context(), userID)
	if err != nil {
		fail(w, r, "xp_status", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"xp": st})
}

// EarnXP awards XP for a client-reported action. Server-side actions are refused.
func (h *Handlers) EarnXP(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.UserID(r)
	if !ok {
		response.Unauthorized(w, "authentication required")
		return
	}
	var in struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	award, st, err := h.XP.EarnRequested(r.Context(), userID, in.Action)
	if err != nil {
		fail(w, r, "earn_xp", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"award": award, "xp": st})
}

// RedeemXP spends XP against an order total and returns the discount.
func (h *Handlers) RedeemXP(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.UserID(r)
	if !ok {
		response.Unauthorized(w, "authentication required")
		return
	}
	var in struct {
		XP              int64 `json:"xp"`
		OrderTotalCents int64 `json:"order_total_cents"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	red, err := h.XP.Redeem(r.Context(), userID, in.XP, in.OrderTotalCents)
	if err != nil {
		fail(w, r, "redeem_xp", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"redemption": red})
}
