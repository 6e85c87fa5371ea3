package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

const subscriptionColumns = `id, user_id, plan_id, stripe_customer_id, stripe_subscription_id, stripe_price_id, status, current_period_end, cancel_at_period_end, created_at, updated_at`

const defaultSubscriptionStatus = "incomplete"

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		planID    sql.NullInt64
		periodEnd sql.NullTime
	)
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&planID,
		&sub.StripeCustomerID,
		&sub.StripeSubscriptionID,
		&sub.StripePriceID,
		&sub.Status,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if planID.Valid {
		id := planID.Int64
		sub.PlanID = &id
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		sub.CurrentPeriodEnd = &t
	}
	return &sub, nil
}

// CreateSubscription inserts the subscription row for a user. A user owns at
// most one subscription; a second insert fails with ErrConstraintViolation.
func (s *Store) CreateSubscription(ctx context.Context, in models.NewSubscription) (*models.Subscription, error) {
	if in.UserID <= 0 {
		return nil, invalidArgument("user id is required")
	}
	if in.StripeCustomerID == "" || in.StripeSubscriptionID == "" {
		return nil, invalidArgument("stripe customer id and subscription id are required")
	}
	status := in.Status
	if status == "" {
		status = defaultSubscriptionStatus
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (user_id, plan_id, stripe_customer_id, stripe_subscription_id, stripe_price_id, status, current_period_end, cancel_at_period_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+subscriptionColumns,
		in.UserID,
		in.PlanID,
		in.StripeCustomerID,
		in.StripeSubscriptionID,
		in.StripePriceID,
		status,
		in.CurrentPeriodEnd,
		in.CancelAtPeriodEnd,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return nil, fmt.Errorf("store: create subscription: %w: referenced user or plan does not exist", ErrInvalidArgument)
		}
		return nil, translate("create subscription", err)
	}
	return sub, nil
}

// GetSubscriptionByID returns the subscription with the given id.
func (s *Store) GetSubscriptionByID(ctx context.Context, id int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "get subscription by id", `WHERE id = $1`, id)
}

// GetSubscriptionByUserID returns the subscription owned by a user.
func (s *Store) GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "get subscription by user id", `WHERE user_id = $1`, userID)
}

// GetSubscriptionByStripeID returns the subscription mirroring a Stripe subscription.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, invalidArgument("stripe subscription id is required")
	}
	return s.getSubscription(ctx, "get subscription by stripe id", `WHERE stripe_subscription_id = $1`, stripeSubscriptionID)
}

func (s *Store) getSubscription(ctx context.Context, op, where string, args ...interface{}) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions `+where, args...)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, translate(op, err)
	}
	return sub, nil
}

// UpdateSubscriptionByCustomerID applies the non-nil fields of update to the
// subscription billed to customerID.
func (s *Store) UpdateSubscriptionByCustomerID(ctx context.Context, customerID string, update models.SubscriptionUpdate) (*models.Subscription, error) {
	if customerID == "" {
		return nil, invalidArgument("customer id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE subscriptions
		 SET plan_id = COALESCE($2, plan_id),
		     stripe_subscription_id = COALESCE($3, stripe_subscription_id),
		     stripe_price_id = COALESCE($4, stripe_price_id),
		     status = COALESCE($5, status),
		     current_period_end = COALESCE($6, current_period_end),
		     cancel_at_period_end = COALESCE($7, cancel_at_period_end),
		     updated_at = NOW()
		 WHERE stripe_customer_id = $1
		 RETURNING `+subscriptionColumns,
		customerID,
		update.PlanID,
		update.StripeSubscriptionID,
		update.StripePriceID,
		update.Status,
		update.CurrentPeriodEnd,
		update.CancelAtPeriodEnd,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, translate("update subscription", err)
	}
	return sub, nil
}

// DeleteSubscriptionByID removes a subscription and returns the deleted row.
func (s *Store) DeleteSubscriptionByID(ctx context.Context, id int64) (*models.Subscription, error) {
	return s.deleteSubscription(ctx, "delete subscription by id", `WHERE id = $1`, id)
}

// DeleteSubscriptionByStripeID removes the row mirroring a Stripe subscription.
func (s *Store) DeleteSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, invalidArgument("stripe subscription id is required")
	}
	return s.deleteSubscription(ctx, "delete subscription by stripe id", `WHERE stripe_subscription_id = $1`, stripeSubscriptionID)
}

func (s *Store) deleteSubscription(ctx context.Context, op, where string, args ...interface{}) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM subscriptions `+where+` RETURNING `+subscriptionColumns, args...)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, translate(op, err)
	}
	return sub, nil
}
