package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/auth"
	"github.com/dev-xo/remix-saas-sub001/internal/billing"
	"github.com/dev-xo/remix-saas-sub001/internal/events"
	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
)

// ProviderRegistry resolves a social login provider by name.
type ProviderRegistry interface {
	Get(name string) (auth.Provider, error)
}

// SessionManager issues and revokes browser sessions.
type SessionManager interface {
	Create(ctx context.Context, w http.ResponseWriter, userID int64) error
	Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	SetState(w http.ResponseWriter, provider, state string)
	ConsumeState(w http.ResponseWriter, r *http.Request, provider, state string) error
}

// AuthUserStore is the user storage the login callback needs.
type AuthUserStore interface {
	GetUserByProvider(ctx context.Context, provider, accountID string) (*models.User, error)
	CreateUser(ctx context.Context, in models.NewUser) (*models.User, error)
	SaveCredential(ctx context.Context, userID int64, cred models.OAuthCredential) (*models.OAuthCredential, error)
}

// CustomerEnsurer makes sure a user has a billing customer.
type CustomerEnsurer interface {
	EnsureCustomer(ctx context.Context, user *models.User) (*models.User, error)
}

// AuthHandler runs the social login flow.
type AuthHandler struct {
	Providers       ProviderRegistry
	Sessions        SessionManager
	Users           AuthUserStore
	Billing         CustomerEnsurer
	Events          events.Publisher
	SuccessRedirect string
	Logger          *zap.Logger
}

// RegisterRoutes mounts the login and logout routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Post("/auth/logout", h.Logout)
	router.Post("/auth/{provider}", h.Start)
	router.Get("/auth/{provider}/callback", h.Callback)
	router.Post("/auth/{provider}/callback", h.Callback)
}

// Start redirects to the provider's consent page with a fresh state cookie.
func (h *AuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, err := h.Providers.Get(name)
	if err != nil {
		writeMessage(w, http.StatusNotFound, "unknown provider")
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		writeError(w, h.Logger, "auth: generate state", err)
		return
	}
	h.Sessions.SetState(w, provider.Name(), state)
	http.Redirect(w, r, provider.AuthCodeURL(state), http.StatusSeeOther)
}

// Callback finishes the login: verify state, exchange the code, find or
// create the user, then start a session.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := h.Providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeMessage(w, http.StatusNotFound, "unknown provider")
		return
	}

	if reason := r.FormValue("error"); reason != "" {
		h.Logger.Info("auth: provider denied login", zap.String("provider", provider.Name()), zap.String("reason", reason))
		writeMessage(w, http.StatusBadRequest, "login was not authorised")
		return
	}
	if err := h.Sessions.ConsumeState(w, r, provider.Name(), r.FormValue("state")); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid oauth state")
		return
	}

	identity, err := provider.Exchange(ctx, r.FormValue("code"))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCode) || errors.Is(err, auth.ErrNoVerifiedEmail) {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Logger.Error("auth: exchange code", zap.String("provider", provider.Name()), zap.Error(err))
		writeMessage(w, http.StatusBadGateway, "login provider unavailable")
		return
	}

	user, created, err := h.findOrCreateUser(ctx, identity)
	if err != nil {
		writeError(w, h.Logger, "auth: resolve user", err)
		return
	}

	if _, err := h.Users.SaveCredential(ctx, user.ID, models.OAuthCredential{
		Provider:          identity.Provider,
		ProviderAccountID: identity.AccountID,
		AccessToken:       identity.AccessToken,
		Scope:             identity.Scope,
	}); err != nil {
		writeError(w, h.Logger, "auth: save credential", err)
		return
	}

	// Checkout creates the customer on demand when this fails.
	if _, err := h.Billing.EnsureCustomer(ctx, user); err != nil {
		h.Logger.Warn("auth: customer link deferred",
			zap.Int64("user_id", user.ID),
			zap.Bool("reconciliation_queued", errors.Is(err, billing.ErrReconciliationPending)),
			zap.Error(err),
		)
	}

	if created {
		if err := h.Events.Publish(ctx, events.UserCreated, user); err != nil {
			h.Logger.Warn("auth: publish user.created", zap.Int64("user_id", user.ID), zap.Error(err))
		}
	}

	if err := h.Sessions.Create(ctx, w, user.ID); err != nil {
		writeError(w, h.Logger, "auth: create session", err)
		return
	}

	h.Logger.Info("auth: user signed in",
		zap.Int64("user_id", user.ID),
		zap.String("provider", identity.Provider),
		zap.Bool("new_user", created),
	)
	http.Redirect(w, r, h.SuccessRedirect, http.StatusSeeOther)
}

func (h *AuthHandler) findOrCreateUser(ctx context.Context, id *auth.Identity) (*models.User, bool, error) {
	user, err := h.Users.GetUserByProvider(ctx, id.Provider, id.AccountID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	in := models.NewUser{
		Email:             id.Email,
		Provider:          &id.Provider,
		ProviderAccountID: &id.AccountID,
	}
	if id.Name != "" {
		in.Name = &id.Name
	}
	if id.AvatarURL != "" {
		in.AvatarURL = &id.AvatarURL
	}

	user, err = h.Users.CreateUser(ctx, in)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, store.ErrConstraintViolation) {
		return nil, false, err
	}

	// Either a concurrent callback created this identity first, or the email
	// belongs to a different identity.
	user, lookupErr := h.Users.GetUserByProvider(ctx, id.Provider, id.AccountID)
	if lookupErr == nil {
		return user, false, nil
	}
	if errors.Is(lookupErr, store.ErrNotFound) {
		return nil, false, err
	}
	return nil, false, lookupErr
}

// Logout ends the session, if any, and sends the browser home. It never fails
// for a visitor without a session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Destroy(r.Context(), w, r); err != nil {
		h.Logger.Warn("auth: destroy session", zap.Error(err))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
