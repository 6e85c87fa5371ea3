package models

import "time"

// Billing intervals accepted for a plan.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// Plan is a purchasable tier backed by a Stripe price.
type Plan struct {
	ID            int64     `json:"id"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	Description   *string   `json:"description,omitempty"`
	PriceCents    int64     `json:"price_cents"`
	Currency      string    `json:"currency"`
	Interval      string    `json:"interval"`
	StripePriceID *string   `json:"stripe_price_id,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewPlan is the payload for creating a plan.
type NewPlan struct {
	Slug          string  `json:"slug"`
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	PriceCents    int64   `json:"price_cents"`
	Currency      string  `json:"currency"`
	Interval      string  `json:"interval"`
	StripePriceID *string `json:"stripe_price_id,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

// PlanUpdate is a partial update. Nil fields are left unchanged.
type PlanUpdate struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	PriceCents    *int64  `json:"price_cents,omitempty"`
	Currency      *string `json:"currency,omitempty"`
	Interval      *string `json:"interval,omitempty"`
	StripePriceID *string `json:"stripe_price_id,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

// ValidInterval reports whether interval is month or year.
func ValidInterval(interval string) bool {
	return interval == IntervalMonth || interval == IntervalYear
}
