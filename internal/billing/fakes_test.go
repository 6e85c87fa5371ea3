package billing

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

type fakeGateway struct {
	mu            sync.Mutex
	calls         int
	customers     map[string]bool
	subscriptions map[string]*stripe.Subscription
	createErr     error
	deleteErr     error
	updateErr     error
	nextCustomer  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{customers: map[string]bool{}, subscriptions: map[string]*stripe.Subscription{}}
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, params stripe.CustomerParams) (*stripe.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.nextCustomer++
	id := fmt.Sprintf("cus_%d", g.nextCustomer)
	g.customers[id] = true
	return &stripe.Customer{ID: id, Email: params.Email}, nil
}

func (g *fakeGateway) DeleteCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.deleteErr != nil {
		return nil, g.deleteErr
	}
	delete(g.customers, id)
	return &stripe.Customer{ID: id, Deleted: true}, nil
}

func (g *fakeGateway) RetrieveSubscription(ctx context.Context, id string, params *stripe.RetrieveSubscriptionParams) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatus: http.StatusNotFound, Code: "resource_missing", Message: "No such subscription"}
	}
	copied := *sub
	return &copied, nil
}

func (g *fakeGateway) UpdateSubscription(ctx context.Context, id string, params stripe.UpdateSubscriptionParams) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.updateErr != nil {
		return nil, g.updateErr
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatus: http.StatusNotFound, Code: "resource_missing", Message: "No such subscription"}
	}
	sub.Items.Data = []stripe.SubscriptionItem{{ID: "si_1", Price: stripe.Price{ID: params.PriceID}}}
	copied := *sub
	return &copied, nil
}

func remoteSubscription(id, customer, status, priceID string) *stripe.Subscription {
	sub := &stripe.Subscription{ID: id, Customer: stripe.ExpandableID(customer), Status: status, CurrentPeriodEnd: 1700000000}
	sub.Items.Data = []stripe.SubscriptionItem{{ID: "si_1", Price: stripe.Price{ID: priceID}}}
	return sub
}

type fakeUsers struct {
	mu        sync.Mutex
	users     map[int64]*models.User
	subs      *fakeSubscriptions
	updateErr error
	deleteErr error
}

func (f *fakeUsers) GetUserBasic(ctx context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", store.ErrNotFound)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) GetUserWithSubscription(ctx context.Context, id int64) (*models.UserDetail, error) {
	user, err := f.GetUserBasic(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &models.UserDetail{User: *user}
	if f.subs != nil {
		if sub, err := f.subs.GetSubscriptionByUserID(ctx, id); err == nil {
			detail.Subscription = sub
		}
	}
	return detail, nil
}

func (f *fakeUsers) LinkCustomer(ctx context.Context, userID int64, customerID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("link customer: %w", store.ErrNotFound)
	}
	if u.StripeCustomerID == nil {
		v := customerID
		u.StripeCustomerID = &v
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("get user by customer: %w", store.ErrNotFound)
}

func (f *fakeUsers) UpdateUserByID(ctx context.Context, id int64, update models.UserUpdate) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("update user: %w", store.ErrNotFound)
	}
	if update.StripeCustomerID != nil {
		v := *update.StripeCustomerID
		u.StripeCustomerID = &v
	}
	if update.Theme != nil {
		u.Theme = *update.Theme
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) DeleteUserByID(ctx context.Context, id int64, policy models.DeletePolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.users[id]; !ok {
		return fmt.Errorf("delete user: %w", store.ErrNotFound)
	}
	if f.subs != nil {
		if sub, err := f.subs.GetSubscriptionByUserID(ctx, id); err == nil {
			if policy == models.DeletePolicyReject && !models.TerminalSubscriptionStatus(sub.Status) {
				return fmt.Errorf("delete user: %w", store.ErrConflict)
			}
			f.subs.deleteByUser(id)
		}
	}
	delete(f.users, id)
	return nil
}

type fakeSubscriptions struct {
	mu        sync.Mutex
	rows      map[string]*models.Subscription
	nextID    int64
	updateErr error
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{rows: map[string]*models.Subscription{}}
}

func (f *fakeSubscriptions) GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.UserID == userID {
			copied := *s
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("get subscription: %w", store.ErrNotFound)
}

func (f *fakeSubscriptions) CreateSubscription(ctx context.Context, in models.NewSubscription) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.UserID == in.UserID {
			return nil, fmt.Errorf("create subscription: %w", store.ErrConstraintViolation)
		}
	}
	f.nextID++
	row := &models.Subscription{
		ID:                   f.nextID,
		UserID:               in.UserID,
		PlanID:               in.PlanID,
		StripeCustomerID:     in.StripeCustomerID,
		StripeSubscriptionID: in.StripeSubscriptionID,
		StripePriceID:        in.StripePriceID,
		Status:               in.Status,
		CurrentPeriodEnd:     in.CurrentPeriodEnd,
		CancelAtPeriodEnd:    in.CancelAtPeriodEnd,
	}
	f.rows[in.StripeCustomerID] = row
	copied := *row
	return &copied, nil
}

func (f *fakeSubscriptions) UpdateSubscriptionByCustomerID(ctx context.Context, customerID string, update models.SubscriptionUpdate) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	row, ok := f.rows[customerID]
	if !ok {
		return nil, fmt.Errorf("update subscription: %w", store.ErrNotFound)
	}
	if update.PlanID != nil {
		row.PlanID = update.PlanID
	}
	if update.StripeSubscriptionID != nil {
		row.StripeSubscriptionID = *update.StripeSubscriptionID
	}
	if update.StripePriceID != nil {
		row.StripePriceID = *update.StripePriceID
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.CurrentPeriodEnd != nil {
		row.CurrentPeriodEnd = update.CurrentPeriodEnd
	}
	if update.CancelAtPeriodEnd != nil {
		row.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	copied := *row
	return &copied, nil
}

func (f *fakeSubscriptions) DeleteSubscriptionByStripeID(ctx context.Context, id string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.rows {
		if s.StripeSubscriptionID == id {
			delete(f.rows, key)
			return s, nil
		}
	}
	return nil, fmt.Errorf("delete subscription: %w", store.ErrNotFound)
}

func (f *fakeSubscriptions) deleteByUser(userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.rows {
		if s.UserID == userID {
			delete(f.rows, key)
		}
	}
}

type fakePlans struct {
	plans []models.Plan
}

func (f *fakePlans) GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	for i := range f.plans {
		if f.plans[i].Slug == slug {
			p := f.plans[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("get plan: %w", store.ErrNotFound)
}

func (f *fakePlans) GetPlanByStripePriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	for i := range f.plans {
		if f.plans[i].StripePriceID != nil && *f.plans[i].StripePriceID == priceID {
			p := f.plans[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("get plan by price: %w", store.ErrNotFound)
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []*models.Job
	err  error
}

func (f *fakeJobs) Enqueue(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	job.ID = int64(len(f.jobs) + 1)
	f.jobs = append(f.jobs, job)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }
