package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

var userCols = []string{"id", "email", "name", "avatar_url", "provider", "provider_account_id", "stripe_customer_id", "theme", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	s, err := New(db)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s, mock
}

func strPtr(s string) *string { return &s }

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestCreateUserThenGetByID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("a@x.com", "Ada", nil, "github", "42", nil).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "a@x.com", "Ada", nil, "github", "42", nil, "system", now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "a@x.com", "Ada", nil, "github", "42", nil, "system", now, now))

	created, err := s.CreateUser(context.Background(), models.NewUser{
		Email:             " a@x.com ",
		Name:              strPtr("Ada"),
		Provider:          strPtr("github"),
		ProviderAccountID: strPtr("42"),
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	got, err := s.GetUserByID(context.Background(), created.ID, 0)
	if err != nil {
		t.Fatalf("GetUserByID returned error: %v", err)
	}
	if got.Email != "a@x.com" || got.Provider == nil || *got.Provider != "github" || *got.ProviderAccountID != "42" {
		t.Fatalf("unexpected user: %+v", got.User)
	}
	if got.Theme != models.ThemeSystem {
		t.Fatalf("expected default theme, got %q", got.Theme)
	}
	if got.Subscription != nil || got.Credentials != nil {
		t.Fatal("expected no relations with zero include")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	s, mock := newMockStore(t)

	if _, err := s.CreateUser(context.Background(), models.NewUser{Email: "  "}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty email, got %v", err)
	}
	if _, err := s.CreateUser(context.Background(), models.NewUser{Email: "a@x.com", Provider: strPtr("github")}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for provider without account id, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected queries: %v", err)
	}
}

func TestConcurrentCreateUserSameProvider(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(false)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("a@x.com", nil, nil, "github", "42", nil).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "a@x.com", nil, nil, "github", "42", nil, "system", now, now))
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("a@x.com", nil, nil, "github", "42", nil).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_provider_account_key"})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateUser(context.Background(), models.NewUser{
				Email:             "a@x.com",
				Provider:          strPtr("github"),
				ProviderAccountID: strPtr("42"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConstraintViolation):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one constraint violation, got %d and %d", successes, conflicts)
	}
}

func TestGetUserByIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetUserBasic(context.Background(), 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUserWithSubscriptionLoadsRelation(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "a@x.com", nil, nil, nil, nil, "cus_1", "dark", now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM subscriptions WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(subscriptionCols).
			AddRow(int64(3), int64(1), nil, "cus_1", "sub_1", "price_1", "active", nil, false, now, now))

	detail, err := s.GetUserWithSubscription(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetUserWithSubscription returned error: %v", err)
	}
	if detail.Subscription == nil || detail.Subscription.StripeSubscriptionID != "sub_1" {
		t.Fatalf("expected subscription sub_1, got %+v", detail.Subscription)
	}
	if detail.StripeCustomerID == nil || *detail.StripeCustomerID != "cus_1" {
		t.Fatalf("unexpected customer id: %v", detail.StripeCustomerID)
	}
}

func TestGetUserByIDWithoutSubscription(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "a@x.com", nil, nil, nil, nil, nil, "system", now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM subscriptions WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users_oauths`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "provider", "provider_account_id", "access_token", "scope", "created_at", "updated_at"}).
			AddRow(int64(5), int64(1), "github", "42", "gho_x", "read:user", now, now))

	detail, err := s.GetUserByID(context.Background(), 1, models.IncludeSubscription|models.IncludeCredentials)
	if err != nil {
		t.Fatalf("GetUserByID returned error: %v", err)
	}
	if detail.Subscription != nil {
		t.Fatal("expected nil subscription")
	}
	if len(detail.Credentials) != 1 || detail.Credentials[0].Provider != "github" {
		t.Fatalf("unexpected credentials: %+v", detail.Credentials)
	}
}

func TestListUsersSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM users ORDER BY created_at DESC`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "user@example.com", "User", "https://avatar", nil, nil, nil, "system", now, now))

	users, err := s.ListUsers(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListUsers returned error: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].ID != 1 {
		t.Fatalf("unexpected id: %d", users[0].ID)
	}
}

func TestListUsersQueryError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM users ORDER BY created_at DESC`).
		WithArgs(defaultPageSize).
		WillReturnError(errors.New("boom"))

	if _, err := s.ListUsers(context.Background(), 0); err == nil {
		t.Fatal("expected error when query fails")
	}
}

func TestUpdateUserByIDIsIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	dark := models.ThemeDark
	update := models.UserUpdate{Name: strPtr("Ada L"), Theme: &dark}

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`UPDATE users`).
			WithArgs(int64(1), nil, "Ada L", nil, nil, "dark").
			WillReturnRows(sqlmock.NewRows(userCols).
				AddRow(int64(1), "a@x.com", "Ada L", nil, nil, nil, nil, "dark", now, now))
	}

	first, err := s.UpdateUserByID(context.Background(), 1, update)
	if err != nil {
		t.Fatalf("first update returned error: %v", err)
	}
	second, err := s.UpdateUserByID(context.Background(), 1, update)
	if err != nil {
		t.Fatalf("second update returned error: %v", err)
	}
	if *first.Name != *second.Name || first.Theme != second.Theme || first.Email != second.Email {
		t.Fatalf("expected identical rows, got %+v and %+v", first, second)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateUserByIDRejectsUnknownTheme(t *testing.T) {
	s, _ := newMockStore(t)
	neon := models.Theme("neon")

	if _, err := s.UpdateUserByID(context.Background(), 1, models.UserUpdate{Theme: &neon}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestUpdateUserByIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE users`).WillReturnError(sql.ErrNoRows)

	if _, err := s.UpdateUserByID(context.Background(), 99, models.UserUpdate{Name: strPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUserByIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.DeleteUserByID(context.Background(), 404, models.DeletePolicyCascade)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteUserByIDRejectPolicyKeepsUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM subscriptions WHERE user_id = $1 FOR UPDATE`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectRollback()

	err := s.DeleteUserByID(context.Background(), 1, models.DeletePolicyReject)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteUserByIDCascadeRemovesSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM subscriptions WHERE user_id = $1 FOR UPDATE`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM subscriptions WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeleteUserByID(context.Background(), 1, models.DeletePolicyCascade); err != nil {
		t.Fatalf("DeleteUserByID returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteUserByIDRejectPolicyAllowsCanceledSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM subscriptions WHERE user_id = $1 FOR UPDATE`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.SubscriptionStatusCanceled))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM subscriptions WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeleteUserByID(context.Background(), 1, models.DeletePolicyReject); err != nil {
		t.Fatalf("DeleteUserByID returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteUserByIDWithoutSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM subscriptions WHERE user_id = $1 FOR UPDATE`)).
		WithArgs(int64(2)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM users WHERE id = $1`)).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeleteUserByID(context.Background(), 2, models.DeletePolicyReject); err != nil {
		t.Fatalf("DeleteUserByID returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveCredentialUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO users_oauths .+ ON CONFLICT \(provider, provider_account_id\) DO UPDATE`).
		WithArgs(int64(1), "google", "g-1", "ya29", "email profile").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	cred, err := s.SaveCredential(context.Background(), 1, models.OAuthCredential{
		Provider:          "google",
		ProviderAccountID: "g-1",
		AccessToken:       "ya29",
		Scope:             "email profile",
	})
	if err != nil {
		t.Fatalf("SaveCredential returned error: %v", err)
	}
	if cred.ID != 7 || cred.UserID != 1 {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestLinkCustomerStoresFirstCustomer(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1 AND stripe_customer_id IS NULL`)).
		WithArgs(int64(1), "cus_1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "a@x.com", nil, nil, nil, nil, "cus_1", "system", now, now))

	user, err := s.LinkCustomer(context.Background(), 1, "cus_1")
	if err != nil {
		t.Fatalf("LinkCustomer returned error: %v", err)
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID != "cus_1" {
		t.Fatalf("expected cus_1, got %+v", user.StripeCustomerID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLinkCustomerKeepsExistingCustomer(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1 AND stripe_customer_id IS NULL`)).
		WithArgs(int64(1), "cus_2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(int64(1), "a@x.com", nil, nil, nil, nil, "cus_1", "system", now, now))

	user, err := s.LinkCustomer(context.Background(), 1, "cus_2")
	if err != nil {
		t.Fatalf("LinkCustomer returned error: %v", err)
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID != "cus_1" {
		t.Fatalf("expected the first customer to win, got %+v", user.StripeCustomerID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLinkCustomerUnknownUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1 AND stripe_customer_id IS NULL`)).
		WithArgs(int64(9), "cus_1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.LinkCustomer(context.Background(), 9, "cus_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.LinkCustomer(context.Background(), 9, " "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
