package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/billing"
	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/session"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
)

const themeCookieName = "theme"

// AccountDeleter removes a user together with their billing customer.
type AccountDeleter interface {
	DeleteAccount(ctx context.Context, userID int64) error
}

// UserSessionDestroyer revokes all of a user's sessions.
type UserSessionDestroyer interface {
	DestroyUser(ctx context.Context, w http.ResponseWriter, userID int64) error
}

// DeleteUser deletes the signed-in user's account, signs them out on every
// device and redirects home. A deletion whose local half is queued for
// reconciliation counts as done.
func DeleteUser(accounts AccountDeleter, sessions UserSessionDestroyer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}

		err := accounts.DeleteAccount(r.Context(), userID)
		switch {
		case errors.Is(err, billing.ErrReconciliationPending):
			logger.Warn("account: local delete queued", zap.Int64("user_id", userID), zap.Error(err))
		case err != nil:
			writeError(w, logger, "account: delete user", err)
			return
		}
		if err := sessions.DestroyUser(r.Context(), w, userID); err != nil {
			logger.Warn("account: revoke sessions after delete", zap.Int64("user_id", userID), zap.Error(err))
		}

		logger.Info("account: user deleted", zap.Int64("user_id", userID))
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

// ThemeUpdater stores the theme on the user row.
type ThemeUpdater interface {
	UpdateUserByID(ctx context.Context, id int64, update models.UserUpdate) (*models.User, error)
}

// Theme remembers the colour scheme in a cookie, and on the user row when
// someone is signed in, then redirects back.
func Theme(users ThemeUpdater, secureCookie bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		theme := models.Theme(r.FormValue("theme"))
		if !theme.Valid() {
			writeMessage(w, http.StatusBadRequest, "theme must be light, dark or system")
			return
		}

		if userID, ok := session.UserIDFromContext(r.Context()); ok {
			if _, err := users.UpdateUserByID(r.Context(), userID, models.UserUpdate{Theme: &theme}); err != nil {
				writeError(w, logger, "account: update theme", err)
				return
			}
		}

		http.SetCookie(w, &http.Cookie{
			Name:     themeCookieName,
			Value:    string(theme),
			Path:     "/",
			MaxAge:   int((365 * 24 * time.Hour).Seconds()),
			Secure:   secureCookie,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, safeRedirect(r.FormValue("redirectTo"), "/"), http.StatusSeeOther)
	}
}

// UserReader loads a user with related records.
type UserReader interface {
	GetUserByID(ctx context.Context, id int64, include models.UserInclude) (*models.UserDetail, error)
}

// Me returns the signed-in user with their subscription and linked logins.
func Me(users UserReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}

		user, err := users.GetUserByID(r.Context(), userID, models.IncludeSubscription|models.IncludeCredentials)
		if errors.Is(err, store.ErrNotFound) {
			// The account is gone; the session is stale.
			writeMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if err != nil {
			writeError(w, logger, "account: load user", err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}
