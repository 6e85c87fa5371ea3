package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/session"
)

// SessionResolver maps a request to the signed-in user.
type SessionResolver interface {
	UserID(r *http.Request) (int64, error)
}

// LoadSession puts the signed-in user id on the request context when the
// request carries a valid session. Requests without one pass through untouched.
func LoadSession(sessions SessionResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := sessions.UserID(r)
			switch {
			case err == nil:
				r = r.WithContext(session.WithUserID(r.Context(), userID))
			case !errors.Is(err, session.ErrSessionNotFound):
				logger.Warn("resolve session", zap.Error(err))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects requests without a signed-in user. API callers get a 401
// JSON body; browser form posts are redirected to the login page.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := session.UserIDFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

// RequireAdmin checks the bearer token against token. An empty token rejects everything.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
