package handlers

import (
	"net/http"
	"time"

	"github.com/dvloznov/finance-elt/internal/api/middleware"
)

// Health handles GET /health. next reports the upcoming cron tick, if any.
func Health(next func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok"}
		if next != nil {
			if t := next(); !t.IsZero() {
				body["next_run"] = t.UTC().Format(time.RFC3339)
			}
		}
		middleware.WriteJSON(w, http.StatusOK, body)
	}
}
