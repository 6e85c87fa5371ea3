// Package billing runs the workflows that touch both Stripe and the local
// database. Each workflow calls the gateway first and writes locally second.
// When the local write fails after the gateway call succeeded, a
// reconciliation job is queued and the error wraps ErrReconciliationPending.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/events"
	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

// ErrReconciliationPending means the gateway change happened but the local
// write did not; a job has been queued to finish it.
var ErrReconciliationPending = errors.New("billing: reconciliation pending")

// Reconciliation job types.
const (
	JobLinkCustomer     = "billing.link_customer"
	JobDeleteUser       = "billing.delete_user"
	JobSyncSubscription = "billing.sync_subscription"
	JobDeleteCustomer   = "billing.delete_customer"
)

// Gateway is the subset of the Stripe client used by the workflows.
type Gateway interface {
	CreateCustomer(ctx context.Context, params stripe.CustomerParams) (*stripe.Customer, error)
	DeleteCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	RetrieveSubscription(ctx context.Context, id string, params *stripe.RetrieveSubscriptionParams) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params stripe.UpdateSubscriptionParams) (*stripe.Subscription, error)
}

// Users is the user repository surface needed here.
type Users interface {
	GetUserBasic(ctx context.Context, id int64) (*models.User, error)
	GetUserWithSubscription(ctx context.Context, id int64) (*models.UserDetail, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	UpdateUserByID(ctx context.Context, id int64, update models.UserUpdate) (*models.User, error)
	LinkCustomer(ctx context.Context, userID int64, customerID string) (*models.User, error)
	DeleteUserByID(ctx context.Context, id int64, policy models.DeletePolicy) error
}

// Subscriptions is the subscription repository surface needed here.
type Subscriptions interface {
	GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, in models.NewSubscription) (*models.Subscription, error)
	UpdateSubscriptionByCustomerID(ctx context.Context, customerID string, update models.SubscriptionUpdate) (*models.Subscription, error)
	DeleteSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
}

// Plans resolves plans by slug or Stripe price.
type Plans interface {
	GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error)
	GetPlanByStripePriceID(ctx context.Context, priceID string) (*models.Plan, error)
}

// Jobs queues reconciliation work.
type Jobs interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// Dependencies bundles what a Service needs.
type Dependencies struct {
	Gateway       Gateway
	Users         Users
	Subscriptions Subscriptions
	Plans         Plans
	Jobs          Jobs
	Events        events.Publisher
	DeletePolicy  models.DeletePolicy
	Logger        *zap.Logger
}

// Service runs the billing workflows.
type Service struct {
	gateway Gateway
	users   Users
	subs    Subscriptions
	plans   Plans
	jobs    Jobs
	events  events.Publisher
	policy  models.DeletePolicy
	logger  *zap.Logger
}

// NewService validates deps and returns a Service.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Gateway == nil || deps.Users == nil || deps.Subscriptions == nil || deps.Plans == nil || deps.Jobs == nil {
		return nil, errors.New("billing: gateway, users, subscriptions, plans and jobs are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(deps.Logger)
	}
	if deps.DeletePolicy == "" {
		deps.DeletePolicy = models.DeletePolicyCascade
	}
	return &Service{
		gateway: deps.Gateway,
		users:   deps.Users,
		subs:    deps.Subscriptions,
		plans:   deps.Plans,
		jobs:    deps.Jobs,
		events:  deps.Events,
		policy:  deps.DeletePolicy,
		logger:  deps.Logger,
	}, nil
}

// DeletePolicy returns the configured account deletion policy.
func (s *Service) DeletePolicy() models.DeletePolicy {
	return s.policy
}

// EnsureCustomer makes sure the user has a Stripe customer and that its id is
// stored on the user row. When a concurrent call linked a customer first, the
// one created here is deleted and the stored user is returned.
func (s *Service) EnsureCustomer(ctx context.Context, user *models.User) (*models.User, error) {
	if user == nil {
		return nil, fmt.Errorf("billing: ensure customer: %w: user is nil", store.ErrInvalidArgument)
	}
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return user, nil
	}

	params := stripe.CustomerParams{
		Email:    user.Email,
		Metadata: map[string]string{"user_id": strconv.FormatInt(user.ID, 10)},
	}
	if user.Name != nil {
		params.Name = *user.Name
	}
	customer, err := s.gateway.CreateCustomer(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("billing: create customer for user %d: %w", user.ID, err)
	}

	linked, err := s.users.LinkCustomer(ctx, user.ID, customer.ID)
	if err != nil {
		return nil, s.reconcile(ctx, JobLinkCustomer, models.JSONB{
			"user_id":     user.ID,
			"customer_id": customer.ID,
		}, err)
	}
	if linked.StripeCustomerID == nil || *linked.StripeCustomerID != customer.ID {
		s.discardCustomer(ctx, user.ID, customer.ID)
		return linked, nil
	}

	s.logger.Info("billing: customer linked", zap.Int64("user_id", user.ID), zap.String("customer_id", customer.ID))
	return linked, nil
}

// discardCustomer deletes a Stripe customer that no user row points at.
// Failures are queued for retry and never surface to the caller.
func (s *Service) discardCustomer(ctx context.Context, userID int64, customerID string) {
	s.logger.Warn("billing: discarding surplus stripe customer",
		zap.Int64("user_id", userID), zap.String("customer_id", customerID))

	_, err := s.gateway.DeleteCustomer(ctx, customerID)
	if err == nil || stripe.IsNotFound(err) {
		return
	}
	_ = s.reconcile(ctx, JobDeleteCustomer, models.JSONB{"customer_id": customerID}, err)
}

// DeleteAccount removes the user's Stripe customer and then the local user.
// Under the reject policy a user whose subscription is not yet canceled is
// refused before the gateway is touched.
func (s *Service) DeleteAccount(ctx context.Context, userID int64) error {
	detail, err := s.users.GetUserWithSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("billing: delete account: %w", err)
	}
	user := &detail.User

	if s.policy == models.DeletePolicyReject && detail.Subscription != nil &&
		!models.TerminalSubscriptionStatus(detail.Subscription.Status) {
		return fmt.Errorf("billing: delete account %d: %w: user owns a %s subscription",
			userID, store.ErrConflict, detail.Subscription.Status)
	}

	gatewayTouched := false
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		if _, err := s.gateway.DeleteCustomer(ctx, *user.StripeCustomerID); err != nil {
			if !stripe.IsNotFound(err) {
				return fmt.Errorf("billing: delete customer %s: %w", *user.StripeCustomerID, err)
			}
			s.logger.Warn("billing: stripe customer already gone", zap.String("customer_id", *user.StripeCustomerID))
		}
		gatewayTouched = true
	}

	if err := s.users.DeleteUserByID(ctx, userID, s.policy); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Deleted concurrently; nothing left to do locally.
		case gatewayTouched:
			return s.reconcile(ctx, JobDeleteUser, models.JSONB{"user_id": userID}, err)
		default:
			return fmt.Errorf("billing: delete account: %w", err)
		}
	}

	s.publish(ctx, events.UserDeleted, map[string]interface{}{"user_id": userID, "email": user.Email})
	s.logger.Info("billing: account deleted", zap.Int64("user_id", userID))
	return nil
}

// ChangePlan moves the user's Stripe subscription to the plan's price and
// mirrors the result locally.
func (s *Service) ChangePlan(ctx context.Context, userID int64, planSlug string) (*models.Subscription, error) {
	plan, err := s.plans.GetPlanBySlug(ctx, planSlug)
	if err != nil {
		return nil, fmt.Errorf("billing: change plan: %w", err)
	}
	if !plan.IsActive || plan.StripePriceID == nil || *plan.StripePriceID == "" {
		return nil, fmt.Errorf("billing: change plan: %w: plan %q is not purchasable", store.ErrInvalidArgument, planSlug)
	}

	current, err := s.subs.GetSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: change plan: %w", err)
	}
	if current.StripePriceID == *plan.StripePriceID {
		return current, nil
	}

	updated, err := s.gateway.UpdateSubscription(ctx, current.StripeSubscriptionID, stripe.UpdateSubscriptionParams{
		PriceID: *plan.StripePriceID,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: update subscription %s: %w", current.StripeSubscriptionID, err)
	}

	local, err := s.ApplySubscription(ctx, updated)
	if err != nil {
		return nil, s.reconcile(ctx, JobSyncSubscription, models.JSONB{
			"stripe_subscription_id": updated.ID,
		}, err)
	}

	s.logger.Info("billing: plan changed", zap.Int64("user_id", userID), zap.String("plan", planSlug))
	return local, nil
}

// SyncSubscription re-reads a subscription from Stripe and applies it. A
// subscription Stripe no longer knows is removed locally and nil is returned.
func (s *Service) SyncSubscription(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	remote, err := s.gateway.RetrieveSubscription(ctx, stripeSubscriptionID, nil)
	if err != nil {
		if stripe.IsNotFound(err) {
			return nil, s.RemoveSubscription(ctx, stripeSubscriptionID)
		}
		return nil, fmt.Errorf("billing: retrieve subscription %s: %w", stripeSubscriptionID, err)
	}
	return s.ApplySubscription(ctx, remote)
}

// ApplySubscription mirrors a Stripe subscription into the local table.
// Terminal statuses delete the row and return nil.
func (s *Service) ApplySubscription(ctx context.Context, remote *stripe.Subscription) (*models.Subscription, error) {
	if remote == nil || remote.ID == "" {
		return nil, fmt.Errorf("billing: apply subscription: %w: missing subscription", store.ErrInvalidArgument)
	}
	customerID := string(remote.Customer)
	if customerID == "" {
		return nil, fmt.Errorf("billing: apply subscription %s: %w: missing customer", remote.ID, store.ErrInvalidArgument)
	}

	if models.TerminalSubscriptionStatus(remote.Status) {
		return nil, s.RemoveSubscription(ctx, remote.ID)
	}

	priceID := remote.PriceID()
	var planID *int64
	if priceID != "" {
		plan, err := s.plans.GetPlanByStripePriceID(ctx, priceID)
		switch {
		case err == nil:
			planID = &plan.ID
		case errors.Is(err, store.ErrNotFound):
			s.logger.Warn("billing: no plan for stripe price", zap.String("price_id", priceID))
		default:
			return nil, fmt.Errorf("billing: resolve plan: %w", err)
		}
	}

	status := remote.Status
	cancel := remote.CancelAtPeriodEnd
	update := models.SubscriptionUpdate{
		PlanID:               planID,
		StripeSubscriptionID: &remote.ID,
		StripePriceID:        &priceID,
		Status:               &status,
		CancelAtPeriodEnd:    &cancel,
	}
	if end := remote.PeriodEnd(); !end.IsZero() {
		update.CurrentPeriodEnd = &end
	}

	local, err := s.subs.UpdateSubscriptionByCustomerID(ctx, customerID, update)
	if errors.Is(err, store.ErrNotFound) {
		local, err = s.createSubscription(ctx, customerID, remote, update)
	}
	if err != nil {
		return nil, fmt.Errorf("billing: apply subscription %s: %w", remote.ID, err)
	}

	s.publish(ctx, events.SubscriptionUpdated, local)
	return local, nil
}

func (s *Service) createSubscription(ctx context.Context, customerID string, remote *stripe.Subscription, update models.SubscriptionUpdate) (*models.Subscription, error) {
	user, err := s.users.GetUserByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("find user for customer %s: %w", customerID, err)
	}

	created, err := s.subs.CreateSubscription(ctx, models.NewSubscription{
		UserID:               user.ID,
		PlanID:               update.PlanID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: remote.ID,
		StripePriceID:        *update.StripePriceID,
		Status:               remote.Status,
		CurrentPeriodEnd:     update.CurrentPeriodEnd,
		CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
	})
	if errors.Is(err, store.ErrConstraintViolation) {
		// Another delivery of the same event created the row first.
		return s.subs.UpdateSubscriptionByCustomerID(ctx, customerID, update)
	}
	return created, err
}

// RemoveSubscription deletes the local mirror of a Stripe subscription. A row
// that is already gone is not an error.
func (s *Service) RemoveSubscription(ctx context.Context, stripeSubscriptionID string) error {
	deleted, err := s.subs.DeleteSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("billing: remove subscription %s: %w", stripeSubscriptionID, err)
	}
	s.publish(ctx, events.SubscriptionDeleted, deleted)
	return nil
}

// CompleteCheckout links the customer from a finished checkout to the user
// named by its client reference and syncs the new subscription.
func (s *Service) CompleteCheckout(ctx context.Context, session *stripe.CheckoutSessionObject) error {
	customerID := string(session.Customer)
	if session.ClientReferenceID != "" && customerID != "" {
		userID, err := strconv.ParseInt(session.ClientReferenceID, 10, 64)
		if err != nil {
			return fmt.Errorf("billing: checkout %s: %w: bad client reference %q", session.ID, store.ErrInvalidArgument, session.ClientReferenceID)
		}
		user, err := s.users.GetUserBasic(ctx, userID)
		if err != nil {
			return fmt.Errorf("billing: checkout %s: %w", session.ID, err)
		}
		if user.StripeCustomerID == nil || *user.StripeCustomerID != customerID {
			if _, err := s.users.UpdateUserByID(ctx, userID, models.UserUpdate{StripeCustomerID: &customerID}); err != nil {
				return fmt.Errorf("billing: checkout %s: link customer: %w", session.ID, err)
			}
		}
	}

	if session.Subscription == "" {
		return nil
	}
	_, err := s.SyncSubscription(ctx, string(session.Subscription))
	return err
}

// reconcile queues a job to finish a workflow whose local write failed.
func (s *Service) reconcile(ctx context.Context, jobType string, payload models.JSONB, localErr error) error {
	job := models.NewJob(jobType, payload)
	job.Priority = models.JobPriorityHigh
	job.Metadata = models.JSONB{"cause": localErr.Error()}

	if err := s.jobs.Enqueue(ctx, job); err != nil {
		s.logger.Error("billing: local write failed and reconciliation could not be queued",
			zap.String("job_type", jobType),
			zap.Any("payload", map[string]interface{}(payload)),
			zap.NamedError("local_error", localErr),
			zap.Error(err),
		)
		return errors.Join(
			fmt.Errorf("billing: %s local write: %w", jobType, localErr),
			fmt.Errorf("billing: enqueue %s: %w", jobType, err),
		)
	}

	s.logger.Error("billing: local write failed, reconciliation queued",
		zap.String("job_type", jobType),
		zap.Int64("job_id", job.ID),
		zap.NamedError("local_error", localErr),
	)
	return fmt.Errorf("%w: job %d (%s): %w", ErrReconciliationPending, job.ID, jobType, localErr)
}

func (s *Service) publish(ctx context.Context, eventType string, data interface{}) {
	if err := s.events.Publish(ctx, eventType, data); err != nil {
		s.logger.Warn("billing: publish event failed", zap.String("type", eventType), zap.Error(err))
	}
}
