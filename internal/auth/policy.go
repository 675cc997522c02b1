package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sendie-app/sendie/internal/metrics"
)

// Roster answers the two membership questions the policies need. The
// allow-list satisfies it.
type Roster interface {
	IsAllowed(userID string) bool
	IsAdmin(userID string) bool
}

// Middleware stores the provider's identity on the request context so
// handlers and policies downstream read it exactly once.
func Middleware(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), p.Identify(r))))
		})
	}
}

// RequireAllowed admits authenticated principals on the allow-list.
func RequireAllowed(roster Roster, logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id.IsAnonymous() {
				deny(w, logger, m, r, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !roster.IsAllowed(id.UserID) {
				deny(w, logger, m, r, http.StatusForbidden, "Not on the allow list")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin admits authenticated principals in the admin set.
func RequireAdmin(roster Roster, logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id.IsAnonymous() {
				deny(w, logger, m, r, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !roster.IsAdmin(id.UserID) {
				deny(w, logger, m, r, http.StatusForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, logger *slog.Logger, m *metrics.Metrics, r *http.Request, status int, msg string) {
	m.Inc(metrics.AuthFailure)
	if logger != nil {
		logger.Warn("request denied",
			"path", r.URL.Path,
			"status", status,
			"reason", msg,
			"user_id", FromContext(r.Context()).UserID,
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
