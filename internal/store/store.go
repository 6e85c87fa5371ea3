package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

const defaultPageSize = 200

const userColumns = `id, email, name, avatar_url, provider, provider_account_id, stripe_customer_id, theme, created_at, updated_at`

// Store provides database-backed accessors for users, their OAuth credentials
// and their subscriptions.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                 models.User
		name              sql.NullString
		avatarURL         sql.NullString
		provider          sql.NullString
		providerAccountID sql.NullString
		customerID        sql.NullString
		theme             string
	)
	if err := row.Scan(&u.ID, &u.Email, &name, &avatarURL, &provider, &providerAccountID, &customerID, &theme, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Name = nullStringPtr(name)
	u.AvatarURL = nullStringPtr(avatarURL)
	u.Provider = nullStringPtr(provider)
	u.ProviderAccountID = nullStringPtr(providerAccountID)
	u.StripeCustomerID = nullStringPtr(customerID)
	u.Theme = models.Theme(theme)
	return &u, nil
}

// CreateUser inserts a new user. Duplicate emails, provider identities or
// customer ids fail with ErrConstraintViolation.
func (s *Store) CreateUser(ctx context.Context, in models.NewUser) (*models.User, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" {
		return nil, invalidArgument("email is required")
	}
	provider, accountID := blankToNil(in.Provider), blankToNil(in.ProviderAccountID)
	if (provider == nil) != (accountID == nil) {
		return nil, invalidArgument("provider and provider account id must be set together")
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, name, avatar_url, provider, provider_account_id, stripe_customer_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+userColumns,
		email,
		in.Name,
		in.AvatarURL,
		provider,
		accountID,
		blankToNil(in.StripeCustomerID),
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, translate("create user", err)
	}
	return user, nil
}

// GetUserByID returns the user together with the relations selected by include.
func (s *Store) GetUserByID(ctx context.Context, id int64, include models.UserInclude) (*models.UserDetail, error) {
	user, err := s.getUser(ctx, "get user by id", `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}

	detail := &models.UserDetail{User: *user}
	if include.Has(models.IncludeSubscription) {
		sub, err := s.GetSubscriptionByUserID(ctx, id)
		switch {
		case err == nil:
			detail.Subscription = sub
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	if include.Has(models.IncludeCredentials) {
		creds, err := s.ListCredentials(ctx, id)
		if err != nil {
			return nil, err
		}
		detail.Credentials = creds
	}
	return detail, nil
}

// GetUserBasic returns the user row without relations.
func (s *Store) GetUserBasic(ctx context.Context, id int64) (*models.User, error) {
	detail, err := s.GetUserByID(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	return &detail.User, nil
}

// GetUserWithSubscription returns the user and its subscription, if any.
func (s *Store) GetUserWithSubscription(ctx context.Context, id int64) (*models.UserDetail, error) {
	return s.GetUserByID(ctx, id, models.IncludeSubscription)
}

// GetUserByEmail matches the email case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, invalidArgument("email is required")
	}
	return s.getUser(ctx, "get user by email", `WHERE LOWER(email) = LOWER($1)`, email)
}

// GetUserByProvider looks a user up by social-login identity.
func (s *Store) GetUserByProvider(ctx context.Context, provider, accountID string) (*models.User, error) {
	if provider == "" || accountID == "" {
		return nil, invalidArgument("provider and provider account id are required")
	}
	return s.getUser(ctx, "get user by provider", `WHERE provider = $1 AND provider_account_id = $2`, provider, accountID)
}

// GetUserByCustomerID looks a user up by Stripe customer id.
func (s *Store) GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	if customerID == "" {
		return nil, invalidArgument("customer id is required")
	}
	return s.getUser(ctx, "get user by customer id", `WHERE stripe_customer_id = $1`, customerID)
}

func (s *Store) getUser(ctx context.Context, op, where string, args ...interface{}) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where, args...)
	user, err := scanUser(row)
	if err != nil {
		return nil, translate(op, err)
	}
	return user, nil
}

// ListUsers returns up to `limit` users ordered by creation time descending.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, translate("list users", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan users: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate users: %w", err)
	}
	return users, nil
}

// UpdateUserByID applies the non-nil fields of update. Applying the same
// update twice leaves the row as applying it once.
func (s *Store) UpdateUserByID(ctx context.Context, id int64, update models.UserUpdate) (*models.User, error) {
	if update.Theme != nil && !update.Theme.Valid() {
		return nil, invalidArgument("unknown theme %q", *update.Theme)
	}
	if update.Email != nil && strings.TrimSpace(*update.Email) == "" {
		return nil, invalidArgument("email cannot be empty")
	}
	if update.Empty() {
		return s.GetUserBasic(ctx, id)
	}

	var theme *string
	if update.Theme != nil {
		t := string(*update.Theme)
		theme = &t
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE users
		 SET email = COALESCE($2, email),
		     name = COALESCE($3, name),
		     avatar_url = COALESCE($4, avatar_url),
		     stripe_customer_id = COALESCE($5, stripe_customer_id),
		     theme = COALESCE($6, theme),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id,
		update.Email,
		update.Name,
		update.AvatarURL,
		update.StripeCustomerID,
		theme,
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, translate("update user", err)
	}
	return user, nil
}

// LinkCustomer stores customerID on the user only while the user has no
// customer yet. The returned user carries whichever id ended up stored, so a
// caller that lost the race sees the winner's customer.
func (s *Store) LinkCustomer(ctx context.Context, userID int64, customerID string) (*models.User, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, invalidArgument("customer id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE users
		 SET stripe_customer_id = $2,
		     updated_at = NOW()
		 WHERE id = $1 AND stripe_customer_id IS NULL
		 RETURNING `+userColumns,
		userID,
		customerID,
	)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s.GetUserBasic(ctx, userID)
	}
	if err != nil {
		return nil, translate("link customer", err)
	}
	return user, nil
}

// DeleteUserByID removes the user inside one transaction. Under
// DeletePolicyReject a user whose subscription is not yet canceled is left
// untouched and ErrConflict is returned. Otherwise the subscription row goes
// first. Credentials are removed by the foreign key.
func (s *Store) DeleteUserByID(ctx context.Context, id int64, policy models.DeletePolicy) error {
	if policy != models.DeletePolicyCascade && policy != models.DeletePolicyReject {
		return invalidArgument("unknown delete policy %q", policy)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete user tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var lockedID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID); err != nil {
		return translate("lock user", err)
	}

	var status string
	hasSubscription := true
	err = tx.QueryRowContext(ctx, `SELECT status FROM subscriptions WHERE user_id = $1 FOR UPDATE`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		hasSubscription = false
	case err != nil:
		return translate("check user subscription", err)
	}

	if hasSubscription {
		if policy == models.DeletePolicyReject && !models.TerminalSubscriptionStatus(status) {
			return fmt.Errorf("store: delete user %d: %w: user owns a %s subscription", id, ErrConflict, status)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = $1`, id); err != nil {
			return translate("delete user subscription", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return translate("delete user", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete user tx: %w", err)
	}
	return nil
}

// SaveCredential upserts the OAuth credential for a provider identity.
func (s *Store) SaveCredential(ctx context.Context, userID int64, cred models.OAuthCredential) (*models.OAuthCredential, error) {
	if userID <= 0 {
		return nil, invalidArgument("user id is required")
	}
	if cred.Provider == "" || cred.ProviderAccountID == "" {
		return nil, invalidArgument("provider and provider account id are required")
	}

	cred.UserID = userID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users_oauths (user_id, provider, provider_account_id, access_token, scope)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, provider_account_id) DO UPDATE
		 SET access_token = EXCLUDED.access_token,
		     scope = EXCLUDED.scope,
		     updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		userID,
		cred.Provider,
		cred.ProviderAccountID,
		cred.AccessToken,
		cred.Scope,
	).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, translate("save credential", err)
	}
	return &cred, nil
}

// ListCredentials returns the OAuth credentials attached to a user.
func (s *Store) ListCredentials(ctx context.Context, userID int64) ([]models.OAuthCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider, provider_account_id, access_token, scope, created_at, updated_at
		 FROM users_oauths
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, translate("list credentials", err)
	}
	defer rows.Close()

	creds := make([]models.OAuthCredential, 0)
	for rows.Next() {
		var c models.OAuthCredential
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.ProviderAccountID, &c.AccessToken, &c.Scope, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan credentials: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate credentials: %w", err)
	}
	return creds, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
