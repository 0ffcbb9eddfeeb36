package handlers

import (
	"errors"
	"net/http"

	"github.com/diagnosis/counsel-portal/internal/availability"
	mw "github.com/diagnosis/counsel-portal/internal/http/middleware"
	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/internal/xp"
	"github.com/diagnosis/counsel-portal/pkg/logger"
)

// ListSlots handles GET /api/availability/slots?start=YYYY-MM-DD&end=YYYY-MM-DD.
func (h *Handlers) ListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := h.Slots.ListSlots(r.Context(), q.Get("start"), q.Get("end"))
	if err != nil {
		fail(w, r, "list_slots", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"days": days})
}

// ValidateSlot re-checks one slot right before booking.
func (h *Handlers) ValidateSlot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SlotID string `json:"slot_id"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	v, err := h.Slots.ValidateSlot(r.Context(), in.SlotID)
	if err != nil {
		fail(w, r, "validate_slot", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"valid": v.Valid, "reason": v.Reason, "slot": v.Slot})
}

// CreateBooking books a slot for a guest or a signed-in client.
func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var in availability.BookingRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if id, ok := mw.UserID(r); ok {
		in.UserID = &id
	}

	b, err := h.Slots.Book(r.Context(), in)
	if err != nil {
		fail(w, r, "create_booking", err)
		return
	}

	if in.UserID != nil && h.XP != nil {
		if _, _, err := h.XP.Earn(r.Context(), *in.UserID, "booking_created"); err != nil && !errors.Is(err, xp.ErrActionLimit) {
			logger.WarnContext(r.Context(), "failed to award booking xp", "error", err)
		}
	}
	response.Success(w, http.StatusCreated, map[string]any{"booking": b})
}
