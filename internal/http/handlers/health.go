package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/diagnosis/counsel-portal/internal/http/response"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Health runs every check concurrently. Only critical failures make it 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	results := make([]string, len(h.Checks))
	var g errgroup.Group
	for i, c := range h.Checks {
		g.Go(func() error {
			if err := c.Ping(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", "check", c.Name, "error", err)
				results[i] = "down"
				return nil
			}
			results[i] = "up"
			return nil
		})
	}
	_ = g.Wait()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for i, c := range h.Checks {
		checks[c.Name] = results[i]
		if results[i] == "down" {
			if c.Critical {
				status, code = "unhealthy", http.StatusServiceUnavailable
			} else if status == "ok" {
				status = "degraded"
			}
		}
	}

	body := map[string]any{"status": status, "checks": checks, "time": time.Now().UTC()}
	if code != http.StatusOK {
		body["error"] = "service unhealthy"
		body["code"] = response.CodeUnavailable
		response.WriteJSON(w, code, body)
		return
	}
	response.Success(w, code, body)
}
