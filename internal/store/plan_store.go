package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

const planColumns = `id, slug, name, description, price_cents, currency, billing_interval, stripe_price_id, is_active, created_at, updated_at`

const defaultCurrency = "usd"

// PlanStore provides database operations for plans.
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a new PlanStore instance.
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &PlanStore{db: db}, nil
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var (
		p           models.Plan
		description sql.NullString
		priceID     sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &description, &p.PriceCents, &p.Currency, &p.Interval, &priceID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Description = nullStringPtr(description)
	p.StripePriceID = nullStringPtr(priceID)
	return &p, nil
}

func validateNewPlan(in *models.NewPlan) error {
	in.Slug = strings.TrimSpace(in.Slug)
	in.Name = strings.TrimSpace(in.Name)
	if in.Slug == "" {
		return invalidArgument("slug is required")
	}
	if in.Name == "" {
		return invalidArgument("name is required")
	}
	if in.Interval == "" {
		in.Interval = models.IntervalMonth
	}
	if !models.ValidInterval(in.Interval) {
		return invalidArgument("interval must be month or year, got %q", in.Interval)
	}
	if in.PriceCents < 0 {
		return invalidArgument("price cannot be negative")
	}
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}
	in.Currency = strings.ToLower(in.Currency)
	return nil
}

// CreatePlan inserts a plan. Duplicate slugs or Stripe price ids fail with
// ErrConstraintViolation.
func (s *PlanStore) CreatePlan(ctx context.Context, in models.NewPlan) (*models.Plan, error) {
	if err := validateNewPlan(&in); err != nil {
		return nil, err
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO plans (slug, name, description, price_cents, currency, billing_interval, stripe_price_id, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+planColumns,
		in.Slug,
		in.Name,
		in.Description,
		in.PriceCents,
		in.Currency,
		in.Interval,
		blankToNil(in.StripePriceID),
		active,
	)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, translate("create plan", err)
	}
	return plan, nil
}

// GetPlanByID retrieves a plan by its id.
func (s *PlanStore) GetPlanByID(ctx context.Context, id int64) (*models.Plan, error) {
	return s.getPlan(ctx, "get plan by id", `WHERE id = $1`, id)
}

// GetPlanBySlug retrieves a plan by its slug.
func (s *PlanStore) GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	if slug == "" {
		return nil, invalidArgument("slug is required")
	}
	return s.getPlan(ctx, "get plan by slug", `WHERE slug = $1`, slug)
}

// GetPlanByStripePriceID retrieves the plan sold through a Stripe price.
func (s *PlanStore) GetPlanByStripePriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	if priceID == "" {
		return nil, invalidArgument("stripe price id is required")
	}
	return s.getPlan(ctx, "get plan by stripe price id", `WHERE stripe_price_id = $1`, priceID)
}

func (s *PlanStore) getPlan(ctx context.Context, op, where string, args ...interface{}) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans `+where, args...)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, translate(op, err)
	}
	return plan, nil
}

// ListPlans returns plans ordered by price. activeOnly hides retired plans.
func (s *PlanStore) ListPlans(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE ($1 = FALSE OR is_active)
		 ORDER BY price_cents ASC, id ASC`,
		activeOnly,
	)
	if err != nil {
		return nil, translate("list plans", err)
	}
	defer rows.Close()

	plans := make([]models.Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan plans: %w", err)
		}
		plans = append(plans, *plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate plans: %w", err)
	}
	return plans, nil
}

// UpdatePlanByID applies the non-nil fields of update.
func (s *PlanStore) UpdatePlanByID(ctx context.Context, id int64, update models.PlanUpdate) (*models.Plan, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, invalidArgument("name cannot be empty")
	}
	if update.Interval != nil && !models.ValidInterval(*update.Interval) {
		return nil, invalidArgument("interval must be month or year, got %q", *update.Interval)
	}
	if update.PriceCents != nil && *update.PriceCents < 0 {
		return nil, invalidArgument("price cannot be negative")
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE plans
		 SET name = COALESCE($2, name),
		     description = COALESCE($3, description),
		     price_cents = COALESCE($4, price_cents),
		     currency = COALESCE($5, currency),
		     billing_interval = COALESCE($6, billing_interval),
		     stripe_price_id = COALESCE($7, stripe_price_id),
		     is_active = COALESCE($8, is_active),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+planColumns,
		id,
		update.Name,
		update.Description,
		update.PriceCents,
		update.Currency,
		update.Interval,
		update.StripePriceID,
		update.IsActive,
	)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, translate("update plan", err)
	}
	return plan, nil
}

// DeletePlanByID removes a plan. A plan still referenced by a subscription is
// kept and ErrConflict is returned.
func (s *PlanStore) DeletePlanByID(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete plan tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var lockedID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM plans WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID); err != nil {
		return translate("lock plan", err)
	}

	var referenced int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE plan_id = $1`, id).Scan(&referenced); err != nil {
		return translate("count plan subscriptions", err)
	}
	if referenced > 0 {
		return fmt.Errorf("store: delete plan %d: %w: %d subscription(s) reference it", id, ErrConflict, referenced)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id = $1`, id); err != nil {
		return translate("delete plan", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete plan tx: %w", err)
	}
	return nil
}
