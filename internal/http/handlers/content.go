package handlers

import (
	"net/http"

	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/go-chi/chi/v5"
)

func (h *Handlers) ListContent(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Content.List(r.Context(), chi.URLParam(r, "kind"), r.URL.Query().Get("category"))
	if err != nil {
		fail(w, r, "list_content", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handlers) GetContent(w http.ResponseWriter, r *http.Request) {
	e, err := h.Content.Get(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "slug"))
	if err != nil {
		fail(w, r, "get_content", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"entry": e})
}
