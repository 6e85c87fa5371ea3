// Package handlers implements the HTTP surface: social login, account
// management, billing, the Stripe webhook and the admin API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/billing"
	"github.com/dev-xo/remix-saas-sub001/internal/session"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	var stripeErr *stripe.Error
	switch {
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, stripe.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrConstraintViolation), errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, billing.ErrReconciliationPending):
		return http.StatusInternalServerError, "saved remotely, local update queued for reconciliation"
	case errors.As(err, &stripeErr):
		return http.StatusBadGateway, "billing provider error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError answers with the status statusFor picks and logs server side failures.
func writeError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op, zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug(op, zap.Int("status", status), zap.Error(err))
	}
	writeMessage(w, status, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// currentUser returns the signed-in user id. Routes using it sit behind
// middleware.RequireUser, so a missing id is a wiring bug.
func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := session.UserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "authentication required")
	}
	return id, ok
}

// safeRedirect keeps redirects on this origin.
func safeRedirect(target, fallback string) string {
	if len(target) > 0 && target[0] == '/' && (len(target) == 1 || (target[1] != '/' && target[1] != '\\')) {
		return target
	}
	return fallback
}
