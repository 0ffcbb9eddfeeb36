package handlers

import (
	"net/http"
	"time"

	"github.com/diagnosis/counsel-portal/internal/analytics"
	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/go-chi/chi/v5"
)

func (h *Handlers) RecordPageView(w http.ResponseWriter, r *http.Request) {
	var in analytics.PageView
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Referrer == "" {
		in.Referrer = r.Referer()
	}
	if err := h.Analytics.RecordPageView(r.Context(), in); err != nil {
		fail(w, r, "record_pageview", err)
		return
	}
	response.Success(w, http.StatusAccepted, nil)
}

func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Analytics.Dashboard(r.Context())
	if err != nil {
		fail(w, r, "analytics_dashboard", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"dashboard": d})
}

// Daily defaults to the last 30 days.
func (h *Handlers) Daily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := q.Get("to")
	if to == "" {
		to = time.Now().UTC().Format(time.DateOnly)
	}
	from := q.Get("from")
	if from == "" {
		if t, err := time.Parse(time.DateOnly, to); err == nil {
			from = t.AddDate(0, 0, -29).Format(time.DateOnly)
		}
	}
	rows, err := h.Analytics.Daily(r.Context(), from, to)
	if err != nil {
		fail(w, r, "analytics_daily", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"from": from, "to": to, "rows": rows})
}

func (h *Handlers) RunRollup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Day string `json:"day"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Day == "" {
		in.Day = time.Now().UTC().Format(time.DateOnly)
	}
	values, err := h.Analytics.Rollup(r.Context(), in.Day)
	if err != nil {
		fail(w, r, "analytics_rollup", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"day": in.Day, "metrics": values})
}

func (h *Handlers) ReleaseWebhook(w http.ResponseWriter, r *http.Request) {
	provider, eventID := chi.URLParam(r, "provider"), chi.URLParam(r, "eventID")
	if err := h.Webhooks.Release(r.Context(), provider, eventID); err != nil {
		fail(w, r, "release_webhook", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"released": true, "provider": provider, "event_id": eventID})
}
