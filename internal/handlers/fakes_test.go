package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/auth"
	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/session"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

var testLogger = zap.NewNop()

func strPtr(s string) *string { return &s }

func withUser(r *http.Request, userID int64) *http.Request {
	return r.WithContext(session.WithUserID(r.Context(), userID))
}

func formRequest(method, target string, form map[string]string) *http.Request {
	values := make([]string, 0, len(form))
	for k, v := range form {
		values = append(values, k+"="+v)
	}
	req := httptest.NewRequest(method, target, strings.NewReader(strings.Join(values, "&")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func newSessions() *session.Manager {
	return session.NewManager(session.NewMemoryStore(), session.Config{CookieName: "__session", TTL: time.Hour})
}

type fakeProvider struct {
	name     string
	identity *auth.Identity
	err      error
	codes    []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.test/authorize?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*auth.Identity, error) {
	p.codes = append(p.codes, code)
	return p.identity, p.err
}

type fakeUserStore struct {
	mu          sync.Mutex
	nextID      int64
	byProvider  map[string]*models.User
	users       map[int64]*models.User
	createErr   error
	onCreate    func()
	credentials []models.OAuthCredential
	updates     []models.UserUpdate
	listLimit   int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{nextID: 1, byProvider: map[string]*models.User{}, users: map[int64]*models.User{}}
}

func (s *fakeUserStore) add(u *models.User) {
	s.users[u.ID] = u
	if u.Provider != nil && u.ProviderAccountID != nil {
		s.byProvider[*u.Provider+"/"+*u.ProviderAccountID] = u
	}
	if u.ID >= s.nextID {
		s.nextID = u.ID + 1
	}
}

func (s *fakeUserStore) GetUserByProvider(_ context.Context, provider, accountID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byProvider[provider+"/"+accountID]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeUserStore) CreateUser(_ context.Context, in models.NewUser) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onCreate != nil {
		s.onCreate()
	}
	if s.createErr != nil {
		return nil, s.createErr
	}
	u := &models.User{ID: s.nextID, Email: in.Email, Name: in.Name, AvatarURL: in.AvatarURL, Provider: in.Provider, ProviderAccountID: in.ProviderAccountID, Theme: models.ThemeSystem}
	s.add(u)
	return u, nil
}

func (s *fakeUserStore) SaveCredential(_ context.Context, userID int64, cred models.OAuthCredential) (*models.OAuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.UserID = userID
	s.credentials = append(s.credentials, cred)
	return &cred, nil
}

func (s *fakeUserStore) GetUserBasic(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeUserStore) GetUserByID(ctx context.Context, id int64, _ models.UserInclude) (*models.UserDetail, error) {
	u, err := s.GetUserBasic(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.UserDetail{User: *u}, nil
}

func (s *fakeUserStore) UpdateUserByID(_ context.Context, id int64, update models.UserUpdate) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.updates = append(s.updates, update)
	if update.Theme != nil {
		u.Theme = *update.Theme
	}
	return u, nil
}

func (s *fakeUserStore) ListUsers(_ context.Context, limit int) ([]models.User, error) {
	s.listLimit = limit
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

// fakeBilling stands in for billing.Service.
type fakeBilling struct {
	ensureErr error
	ensured   []int64
	deleteErr error
	deleted   []int64
	changeErr error
	changed   []string
	applied   []*stripe.Subscription
	applyErr  error
	removed   []string
	checkouts []*stripe.CheckoutSessionObject
}

func (b *fakeBilling) EnsureCustomer(_ context.Context, user *models.User) (*models.User, error) {
	b.ensured = append(b.ensured, user.ID)
	if b.ensureErr != nil {
		return nil, b.ensureErr
	}
	if user.StripeCustomerID == nil {
		copied := *user
		copied.StripeCustomerID = strPtr("cus_new")
		return &copied, nil
	}
	return user, nil
}

func (b *fakeBilling) DeleteAccount(_ context.Context, userID int64) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.deleted = append(b.deleted, userID)
	return nil
}

func (b *fakeBilling) ChangePlan(_ context.Context, _ int64, slug string) (*models.Subscription, error) {
	if b.changeErr != nil {
		return nil, b.changeErr
	}
	b.changed = append(b.changed, slug)
	return &models.Subscription{}, nil
}

func (b *fakeBilling) ApplySubscription(_ context.Context, remote *stripe.Subscription) (*models.Subscription, error) {
	if b.applyErr != nil {
		return nil, b.applyErr
	}
	b.applied = append(b.applied, remote)
	return &models.Subscription{StripeSubscriptionID: remote.ID}, nil
}

func (b *fakeBilling) RemoveSubscription(_ context.Context, id string) error {
	b.removed = append(b.removed, id)
	return nil
}

func (b *fakeBilling) CompleteCheckout(_ context.Context, s *stripe.CheckoutSessionObject) error {
	b.checkouts = append(b.checkouts, s)
	return nil
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, _ interface{}) error {
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }
