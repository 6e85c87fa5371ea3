package models

import "time"

// Stripe subscription statuses after which the local row is removed.
const (
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
)

// Subscription mirrors the Stripe subscription owned by a user.
type Subscription struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	PlanID               *int64     `json:"plan_id,omitempty"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	StripePriceID        string     `json:"stripe_price_id"`
	Status               string     `json:"status"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// NewSubscription is the payload for creating a subscription row.
type NewSubscription struct {
	UserID               int64
	PlanID               *int64
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	Status               string
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
}

// SubscriptionUpdate is a partial update keyed by customer id. Nil fields are
// left unchanged.
type SubscriptionUpdate struct {
	PlanID               *int64
	StripeSubscriptionID *string
	StripePriceID        *string
	Status               *string
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    *bool
}

// TerminalSubscriptionStatus reports whether a Stripe status means the
// subscription is over.
func TerminalSubscriptionStatus(status string) bool {
	return status == SubscriptionStatusCanceled || status == SubscriptionStatusIncompleteExpired
}
