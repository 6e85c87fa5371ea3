package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

const maxWebhookBody = 256 * 1024

// WebhookProcessor applies Stripe events to local state.
type WebhookProcessor interface {
	ApplySubscription(ctx context.Context, remote *stripe.Subscription) (*models.Subscription, error)
	RemoveSubscription(ctx context.Context, stripeSubscriptionID string) error
	CompleteCheckout(ctx context.Context, session *stripe.CheckoutSessionObject) error
}

// StripeWebhook verifies and dispatches Stripe events. With an empty secret
// signatures are not checked.
func StripeWebhook(secret string, billing WebhookProcessor, logger *zap.Logger) http.HandlerFunc {
	if secret == "" {
		logger.Warn("stripe webhook signature verification disabled: STRIPE_WEBHOOK_SECRET is empty")
	}

	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				logger.Warn("stripe webhook body too large", zap.Int64("limit", tooLarge.Limit))
				writeMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			writeMessage(w, http.StatusBadRequest, "failed to read body")
			return
		}

		var event stripe.Event
		if secret == "" {
			event, err = stripe.ParseEvent(payload)
		} else {
			event, err = stripe.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), secret)
		}
		if err != nil {
			logger.Warn("stripe webhook rejected", zap.Error(err))
			writeMessage(w, http.StatusBadRequest, "invalid webhook")
			return
		}

		logger := logger.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
		if err := dispatchEvent(r.Context(), billing, event); err != nil {
			writeError(w, logger, "stripe webhook", err)
			return
		}

		logger.Info("stripe webhook processed")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

func dispatchEvent(ctx context.Context, billing WebhookProcessor, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		session, err := event.CheckoutSession()
		if err != nil {
			return malformed(err)
		}
		if session.Mode != "" && session.Mode != "subscription" {
			return nil
		}
		return billing.CompleteCheckout(ctx, session)

	case "customer.subscription.created", "customer.subscription.updated":
		sub, err := event.Subscription()
		if err != nil {
			return malformed(err)
		}
		_, err = billing.ApplySubscription(ctx, sub)
		return err

	case "customer.subscription.deleted":
		sub, err := event.Subscription()
		if err != nil {
			return malformed(err)
		}
		return billing.RemoveSubscription(ctx, sub.ID)
	}
	return nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", stripe.ErrInvalidArgument, err)
}
