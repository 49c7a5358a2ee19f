package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// ModeReader reports the deployment's current app mode.
type ModeReader interface {
	Status(ctx context.Context) (models.AppMode, error)
}

// ModeGate blocks everything except setup, health, and static assets while
// the deployment is UNCONFIGURED. Blocked API calls get a structured
// setup_required envelope with a redirect hint; page loads go to the setup UI.
func ModeGate(modes ModeReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if setupExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			mode, err := modes.Status(r.Context())
			if err != nil {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}
			if mode != models.ModeUnconfigured {
				next.ServeHTTP(w, r)
				return
			}

			if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/mcp") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":{"kind":"` + string(apperrors.KindSetupRequired) + `","redirect":"/setup"}}`))
				return
			}
			http.Redirect(w, r, "/setup", http.StatusTemporaryRedirect)
		})
	}
}

// setupExempt lists what stays reachable before setup completes.
func setupExempt(path string) bool {
	switch {
	case path == "/health":
		return true
	case strings.HasPrefix(path, "/api/setup/"):
		return true
	case strings.HasPrefix(path, "/api/"), strings.HasPrefix(path, "/mcp"):
		return false
	default:
		// Static UI, including the setup screen itself.
		return true
	}
}
