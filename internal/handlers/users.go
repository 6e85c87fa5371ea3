package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

const defaultUserPageSize = 50

// UserLister defines the behaviour required from the storage client backing the users handler.
type UserLister interface {
	ListUsers(ctx context.Context, limit int) ([]models.User, error)
}

// Users creates an HTTP handler that returns the most recent users.
func Users(client UserLister, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultUserPageSize
		if override := r.URL.Query().Get("limit"); override != "" {
			if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		users, err := client.ListUsers(r.Context(), limit)
		if err != nil {
			writeError(w, logger, "users: list", err)
			return
		}
		if users == nil {
			users = []models.User{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}
