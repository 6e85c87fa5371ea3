package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/events"
	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

// ReconcileHandlers returns the worker handlers that finish interrupted
// workflows, keyed by job type.
func (s *Service) ReconcileHandlers() map[string]func(context.Context, *models.Job) error {
	return map[string]func(context.Context, *models.Job) error{
		JobLinkCustomer:     s.reconcileLinkCustomer,
		JobDeleteUser:       s.reconcileDeleteUser,
		JobSyncSubscription: s.reconcileSyncSubscription,
		JobDeleteCustomer:   s.reconcileDeleteCustomer,
	}
}

func (s *Service) reconcileLinkCustomer(ctx context.Context, job *models.Job) error {
	userID, err := job.Payload.Int64("user_id")
	if err != nil {
		return fmt.Errorf("%s: %w", JobLinkCustomer, err)
	}
	customerID := job.Payload.String("customer_id")
	if customerID == "" {
		return fmt.Errorf("%s: customer_id missing", JobLinkCustomer)
	}

	linked, err := s.users.LinkCustomer(ctx, userID, customerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.logger.Warn("billing: user vanished before customer could be linked",
			zap.Int64("user_id", userID), zap.String("customer_id", customerID))
		s.discardCustomer(ctx, userID, customerID)
		return nil
	case err != nil:
		return err
	}
	if linked.StripeCustomerID == nil || *linked.StripeCustomerID != customerID {
		s.discardCustomer(ctx, userID, customerID)
	}
	return nil
}

func (s *Service) reconcileDeleteCustomer(ctx context.Context, job *models.Job) error {
	customerID := job.Payload.String("customer_id")
	if customerID == "" {
		return fmt.Errorf("%s: customer_id missing", JobDeleteCustomer)
	}
	if _, err := s.gateway.DeleteCustomer(ctx, customerID); err != nil && !stripe.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Service) reconcileDeleteUser(ctx context.Context, job *models.Job) error {
	userID, err := job.Payload.Int64("user_id")
	if err != nil {
		return fmt.Errorf("%s: %w", JobDeleteUser, err)
	}

	err = s.users.DeleteUserByID(ctx, userID, s.policy)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.publish(ctx, events.UserDeleted, map[string]interface{}{"user_id": userID})
	return nil
}

func (s *Service) reconcileSyncSubscription(ctx context.Context, job *models.Job) error {
	id := job.Payload.String("stripe_subscription_id")
	if id == "" {
		return fmt.Errorf("%s: stripe_subscription_id missing", JobSyncSubscription)
	}
	_, err := s.SyncSubscription(ctx, id)
	return err
}
