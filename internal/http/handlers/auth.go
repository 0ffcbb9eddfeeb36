package handlers

import (
	"net/http"

	mw "github.com/diagnosis/counsel-portal/internal/http/middleware"
	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/internal/utils"
)

// CheckLockout handles the lockout operations selected by "action".
// Anyone may check. Recording a failure is admin only, and clearing needs the
// account's own token or an admin token.
func (h *Handlers) CheckLockout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email  string `json:"email"`
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	ctx := r.Context()
	switch in.Action {
	case "", "check":
		st, err := h.Lockout.Check(ctx, in.Email)
		if err != nil {
			fail(w, r, "check_lockout", err)
			return
		}
		if st.Locked {
			writeLocked(w, st)
			return
		}
		response.Success(w, http.StatusOK, map[string]any{"locked": false, "remaining_attempts": st.RemainingAttempts})
	case "record":
		if !authorizeLockout(w, r, "") {
			return
		}
		st, err := h.Lockout.RecordFailedAttempt(ctx, in.Email)
		if err != nil {
			fail(w, r, "record_failed_login", err)
			return
		}
		if st.Locked {
			writeLocked(w, st)
			return
		}
		response.Success(w, http.StatusOK, map[string]any{"locked": false, "remaining_attempts": st.RemainingAttempts})
	case "clear":
		if !authorizeLockout(w, r, in.Email) {
			return
		}
		if err := h.Lockout.Clear(ctx, in.Email); err != nil {
			fail(w, r, "clear_lockout", err)
			return
		}
		response.Success(w, http.StatusOK, map[string]any{"cleared": true})
	default:
		response.BadRequest(w, "action must be check, record or clear")
	}
}

// authorizeLockout admits admins, and owners of email when it is non-empty.
func authorizeLockout(w http.ResponseWriter, r *http.Request, email string) bool {
	c := mw.Claims(r)
	switch {
	case c == nil:
		response.Unauthorized(w, "authentication required")
		return false
	case c.IsAdmin():
		return true
	case email != "" && utils.NormalizeEmail(c.Email) == utils.NormalizeEmail(email):
		return true
	default:
		response.Forbidden(w, "not allowed to change lockout for this account")
		return false
	}
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Email == "" || in.Password == "" {
		response.BadRequest(w, "email and password are required")
		return
	}
	sess, err := h.Accounts.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		fail(w, r, "login", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"session": sess})
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	sess, err := h.Accounts.Register(r.Context(), in.Email, in.Password, in.Name)
	if err != nil {
		fail(w, r, "register", err)
		return
	}
	response.Success(w, http.StatusCreated, map[string]any{"session": sess})
}
