package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

// CheckoutGateway creates hosted Stripe pages.
type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, params stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params stripe.PortalSessionParams) (*stripe.PortalSession, error)
}

// BillingWorkflows is the part of billing.Service the billing routes drive.
type BillingWorkflows interface {
	EnsureCustomer(ctx context.Context, user *models.User) (*models.User, error)
	ChangePlan(ctx context.Context, userID int64, planSlug string) (*models.Subscription, error)
}

// BillingUsers loads users for the billing routes.
type BillingUsers interface {
	GetUserBasic(ctx context.Context, id int64) (*models.User, error)
}

// SubscriptionReader loads a user's subscription.
type SubscriptionReader interface {
	GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error)
}

// PlanReader looks plans up.
type PlanReader interface {
	GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]models.Plan, error)
}

// BillingHandler serves checkout, portal, plan change and subscription reads.
type BillingHandler struct {
	Plans         PlanReader
	Users         BillingUsers
	Subscriptions SubscriptionReader
	Gateway       CheckoutGateway
	Billing       BillingWorkflows
	// AppBaseURL prefixes the return URLs handed to Stripe.
	AppBaseURL string
	// ReturnPath is where the browser lands after billing actions.
	ReturnPath string
	Logger     *zap.Logger
}

// RegisterRoutes mounts the billing routes. The router must already require a user.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/billing/subscription", h.Subscription)
	router.Post("/resources/stripe/checkout", h.Checkout)
	router.Post("/resources/stripe/portal", h.Portal)
	router.Post("/resources/stripe/change-plan", h.ChangePlan)
}

// Subscription returns the user's subscription, or null when they have none.
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	sub, err := h.Subscriptions.GetSubscriptionByUserID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeError(w, h.Logger, "billing: load subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Checkout starts a Stripe Checkout for the plan in the "plan" form field.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	slug := r.FormValue("plan")
	if slug == "" {
		writeMessage(w, http.StatusBadRequest, "plan is required")
		return
	}
	plan, err := h.Plans.GetPlanBySlug(ctx, slug)
	if err != nil {
		writeError(w, h.Logger, "billing: load plan", err)
		return
	}
	if !plan.IsActive || plan.StripePriceID == nil || *plan.StripePriceID == "" {
		writeMessage(w, http.StatusBadRequest, "plan is not available for purchase")
		return
	}

	existing, err := h.Subscriptions.GetSubscriptionByUserID(ctx, userID)
	switch {
	case err == nil && !models.TerminalSubscriptionStatus(existing.Status):
		writeMessage(w, http.StatusConflict, "already subscribed, change plan instead")
		return
	case err != nil && !errors.Is(err, store.ErrNotFound):
		writeError(w, h.Logger, "billing: load subscription", err)
		return
	}

	user, err := h.Users.GetUserBasic(ctx, userID)
	if err != nil {
		writeError(w, h.Logger, "billing: load user", err)
		return
	}
	user, err = h.Billing.EnsureCustomer(ctx, user)
	if err != nil {
		writeError(w, h.Logger, "billing: ensure customer", err)
		return
	}

	checkout, err := h.Gateway.CreateCheckoutSession(ctx, stripe.CheckoutSessionParams{
		Customer:          *user.StripeCustomerID,
		PriceID:           *plan.StripePriceID,
		SuccessURL:        h.AppBaseURL + h.ReturnPath + "?checkout=success",
		CancelURL:         h.AppBaseURL + h.ReturnPath + "?checkout=cancelled",
		ClientReferenceID: strconv.FormatInt(userID, 10),
		Metadata:          map[string]string{"plan": plan.Slug},
	})
	if err != nil {
		writeError(w, h.Logger, "billing: create checkout session", err)
		return
	}

	h.Logger.Info("billing: checkout started", zap.Int64("user_id", userID), zap.String("plan", plan.Slug))
	http.Redirect(w, r, checkout.URL, http.StatusSeeOther)
}

// Portal sends the user to the Stripe billing portal.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	user, err := h.Users.GetUserBasic(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, "billing: load user", err)
		return
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		writeMessage(w, http.StatusBadRequest, "no billing account yet")
		return
	}

	portal, err := h.Gateway.CreatePortalSession(r.Context(), stripe.PortalSessionParams{
		Customer:  *user.StripeCustomerID,
		ReturnURL: h.AppBaseURL + h.ReturnPath,
	})
	if err != nil {
		writeError(w, h.Logger, "billing: create portal session", err)
		return
	}
	http.Redirect(w, r, portal.URL, http.StatusSeeOther)
}

// ChangePlan moves the subscription to the plan in the "plan" form field.
func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	slug := r.FormValue("plan")
	if slug == "" {
		writeMessage(w, http.StatusBadRequest, "plan is required")
		return
	}

	if _, err := h.Billing.ChangePlan(r.Context(), userID, slug); err != nil {
		writeError(w, h.Logger, "billing: change plan", err)
		return
	}

	http.Redirect(w, r, h.ReturnPath, http.StatusSeeOther)
}
