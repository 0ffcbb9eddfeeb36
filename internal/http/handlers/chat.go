package handlers

import (
	"net/http"

	"github.com/diagnosis/counsel-portal/internal/chat"
	"github.com/diagnosis/counsel-portal/internal/http/response"
)

func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Messages []chat.Message `json:"messages"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	reply, err := h.Assistant.Reply(r.Context(), in.Messages)
	if err != nil {
		fail(w, r, "chat", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"reply": chat.Message{Role: chat.RoleAssistant, Content: reply}})
}
