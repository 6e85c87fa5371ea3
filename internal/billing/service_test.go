package billing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/events"
	"github.com/dev-xo/remix-saas-sub001/internal/models"
	"github.com/dev-xo/remix-saas-sub001/internal/store"
	"github.com/dev-xo/remix-saas-sub001/internal/stripe"
)

type fixture struct {
	svc     *Service
	gateway *fakeGateway
	users   *fakeUsers
	subs    *fakeSubscriptions
	plans   *fakePlans
	jobs    *fakeJobs
	events  *recordingPublisher
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T, policy models.DeletePolicy) *fixture {
	t.Helper()
	subs := newFakeSubscriptions()
	f := &fixture{
		gateway: newFakeGateway(),
		subs:    subs,
		users: &fakeUsers{
			users: map[int64]*models.User{
				1: {ID: 1, Email: "a@x.com", Theme: models.ThemeSystem},
			},
			subs: subs,
		},
		plans: &fakePlans{plans: []models.Plan{
			{ID: 10, Slug: "starter", StripePriceID: strPtr("price_starter"), IsActive: true},
			{ID: 11, Slug: "pro", StripePriceID: strPtr("price_pro"), IsActive: true},
			{ID: 12, Slug: "legacy", StripePriceID: strPtr("price_legacy"), IsActive: false},
		}},
		jobs:   &fakeJobs{},
		events: &recordingPublisher{},
	}

	svc, err := NewService(Dependencies{
		Gateway:       f.gateway,
		Users:         f.users,
		Subscriptions: f.subs,
		Plans:         f.plans,
		Jobs:          f.jobs,
		Events:        f.events,
		DeletePolicy:  policy,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) subscribe(t *testing.T, userID int64, customerID, subID, priceID string) {
	t.Helper()
	f.users.users[userID].StripeCustomerID = strPtr(customerID)
	f.gateway.customers[customerID] = true
	f.gateway.subscriptions[subID] = remoteSubscription(subID, customerID, "active", priceID)
	_, err := f.subs.CreateSubscription(context.Background(), models.NewSubscription{
		UserID:               userID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subID,
		StripePriceID:        priceID,
		Status:               "active",
	})
	require.NoError(t, err)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Dependencies{})
	assert.Error(t, err)
}

func TestEnsureCustomerLinksNewCustomer(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	user, _ := f.users.GetUserBasic(context.Background(), 1)

	updated, err := f.svc.EnsureCustomer(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, updated.StripeCustomerID)
	assert.Equal(t, "cus_1", *updated.StripeCustomerID)
	assert.Empty(t, f.jobs.jobs)
}

func TestEnsureCustomerConcurrentCallsKeepOneCustomer(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	stale, _ := f.users.GetUserBasic(context.Background(), 1)

	var wg sync.WaitGroup
	results := make([]*models.User, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copied := *stale
			results[i], errs[i] = f.svc.EnsureCustomer(context.Background(), &copied)
		}(i)
	}
	wg.Wait()

	stored := f.users.users[1].StripeCustomerID
	require.NotNil(t, stored)
	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].StripeCustomerID)
		assert.Equal(t, *stored, *results[i].StripeCustomerID)
	}
	assert.Len(t, f.gateway.customers, 1)
	assert.True(t, f.gateway.customers[*stored])
	assert.Empty(t, f.jobs.jobs)
}

func TestEnsureCustomerLostRaceQueuesCustomerDeletion(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	stale, _ := f.users.GetUserBasic(context.Background(), 1)
	f.users.users[1].StripeCustomerID = strPtr("cus_winner")
	f.gateway.deleteErr = &stripe.Error{HTTPStatus: http.StatusServiceUnavailable, Message: "unavailable"}

	got, err := f.svc.EnsureCustomer(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", *got.StripeCustomerID)

	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, JobDeleteCustomer, f.jobs.jobs[0].JobType)
	assert.Equal(t, "cus_1", f.jobs.jobs[0].Payload.String("customer_id"))
}

func TestEnsureCustomerSkipsLinkedUser(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	user := &models.User{ID: 1, Email: "a@x.com", StripeCustomerID: strPtr("cus_existing")}

	got, err := f.svc.EnsureCustomer(context.Background(), user)
	require.NoError(t, err)
	assert.Same(t, user, got)
	assert.Equal(t, 0, f.gateway.calls)
}

func TestEnsureCustomerQueuesReconciliationOnLocalFailure(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	localErr := errors.New("connection reset")
	f.users.updateErr = localErr
	user, _ := f.users.GetUserBasic(context.Background(), 1)

	_, err := f.svc.EnsureCustomer(context.Background(), user)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconciliationPending)
	assert.ErrorIs(t, err, localErr)

	require.Len(t, f.jobs.jobs, 1)
	job := f.jobs.jobs[0]
	assert.Equal(t, JobLinkCustomer, job.JobType)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "cus_1", job.Payload.String("customer_id"))
	userID, err := job.Payload.Int64("user_id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), userID)
}

func TestEnsureCustomerReturnsBothErrorsWhenQueueFails(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	localErr := errors.New("connection reset")
	queueErr := errors.New("jobs table unavailable")
	f.users.updateErr = localErr
	f.jobs.err = queueErr
	user, _ := f.users.GetUserBasic(context.Background(), 1)

	_, err := f.svc.EnsureCustomer(context.Background(), user)
	require.Error(t, err)
	assert.ErrorIs(t, err, localErr)
	assert.ErrorIs(t, err, queueErr)
	assert.NotErrorIs(t, err, ErrReconciliationPending)
}

func TestEnsureCustomerGatewayFailureIsNotQueued(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.gateway.createErr = &stripe.Error{HTTPStatus: http.StatusBadGateway, Message: "upstream"}
	user, _ := f.users.GetUserBasic(context.Background(), 1)

	_, err := f.svc.EnsureCustomer(context.Background(), user)
	var se *stripe.Error
	require.ErrorAs(t, err, &se)
	assert.Empty(t, f.jobs.jobs)
}

func TestDeleteAccountRejectPolicyLeavesEverything(t *testing.T) {
	f := newFixture(t, models.DeletePolicyReject)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")
	calls := f.gateway.calls

	err := f.svc.DeleteAccount(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, calls, f.gateway.calls)
	assert.Contains(t, f.users.users, int64(1))
	assert.True(t, f.gateway.customers["cus_1"])
}

func TestDeleteAccountRejectPolicyAllowsCanceledSubscription(t *testing.T) {
	f := newFixture(t, models.DeletePolicyReject)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")
	f.subs.rows["cus_1"].Status = models.SubscriptionStatusCanceled

	require.NoError(t, f.svc.DeleteAccount(context.Background(), 1))
	assert.NotContains(t, f.users.users, int64(1))
	assert.False(t, f.gateway.customers["cus_1"])
	assert.Empty(t, f.subs.rows)
}

func TestDeleteAccountCascade(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")

	require.NoError(t, f.svc.DeleteAccount(context.Background(), 1))
	assert.NotContains(t, f.users.users, int64(1))
	assert.False(t, f.gateway.customers["cus_1"])
	assert.Empty(t, f.subs.rows)
	assert.Equal(t, []string{events.UserDeleted}, f.events.events)
}

func TestDeleteAccountToleratesMissingCustomer(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.users.users[1].StripeCustomerID = strPtr("cus_gone")
	f.gateway.deleteErr = &stripe.Error{HTTPStatus: http.StatusNotFound, Code: "resource_missing", Message: "No such customer"}

	require.NoError(t, f.svc.DeleteAccount(context.Background(), 1))
	assert.NotContains(t, f.users.users, int64(1))
}

func TestDeleteAccountGatewayErrorStopsBeforeLocalDelete(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.users.users[1].StripeCustomerID = strPtr("cus_1")
	f.gateway.deleteErr = &stripe.Error{HTTPStatus: http.StatusInternalServerError, Message: "boom"}

	err := f.svc.DeleteAccount(context.Background(), 1)
	var se *stripe.Error
	require.ErrorAs(t, err, &se)
	assert.Contains(t, f.users.users, int64(1))
}

func TestDeleteAccountQueuesReconciliationAfterGateway(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.users.users[1].StripeCustomerID = strPtr("cus_1")
	f.users.deleteErr = errors.New("deadlock detected")

	err := f.svc.DeleteAccount(context.Background(), 1)
	assert.ErrorIs(t, err, ErrReconciliationPending)
	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, JobDeleteUser, f.jobs.jobs[0].JobType)
}

func TestDeleteAccountUnknownUser(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)

	err := f.svc.DeleteAccount(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChangePlanUpdatesGatewayThenLocal(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")

	sub, err := f.svc.ChangePlan(context.Background(), 1, "pro")
	require.NoError(t, err)
	assert.Equal(t, "price_pro", sub.StripePriceID)
	require.NotNil(t, sub.PlanID)
	assert.Equal(t, int64(11), *sub.PlanID)
	assert.Equal(t, "price_pro", f.gateway.subscriptions["sub_1"].PriceID())
	assert.Contains(t, f.events.events, events.SubscriptionUpdated)
}

func TestChangePlanSamePriceIsNoop(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_pro")
	calls := f.gateway.calls

	_, err := f.svc.ChangePlan(context.Background(), 1, "pro")
	require.NoError(t, err)
	assert.Equal(t, calls, f.gateway.calls)
}

func TestChangePlanRejectsInactivePlan(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")

	_, err := f.svc.ChangePlan(context.Background(), 1, "legacy")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = f.svc.ChangePlan(context.Background(), 1, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChangePlanWithoutSubscription(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)

	_, err := f.svc.ChangePlan(context.Background(), 1, "pro")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChangePlanQueuesSyncOnLocalFailure(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")
	f.subs.updateErr = errors.New("statement timeout")

	_, err := f.svc.ChangePlan(context.Background(), 1, "pro")
	assert.ErrorIs(t, err, ErrReconciliationPending)
	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, JobSyncSubscription, f.jobs.jobs[0].JobType)
	assert.Equal(t, "sub_1", f.jobs.jobs[0].Payload.String("stripe_subscription_id"))
}

func TestApplySubscriptionCreatesMissingRow(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.users.users[1].StripeCustomerID = strPtr("cus_1")

	sub, err := f.svc.ApplySubscription(context.Background(), remoteSubscription("sub_1", "cus_1", "trialing", "price_pro"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.UserID)
	assert.Equal(t, "trialing", sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1700000000), sub.CurrentPeriodEnd.Unix())
}

func TestApplySubscriptionUnknownCustomer(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)

	_, err := f.svc.ApplySubscription(context.Background(), remoteSubscription("sub_1", "cus_unknown", "active", "price_pro"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplySubscriptionTerminalStatusRemovesRow(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")

	sub, err := f.svc.ApplySubscription(context.Background(), remoteSubscription("sub_1", "cus_1", "canceled", "price_starter"))
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Empty(t, f.subs.rows)
	assert.Equal(t, []string{events.SubscriptionDeleted}, f.events.events)
}

func TestSyncSubscriptionMissingRemoteRemovesLocal(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.subscribe(t, 1, "cus_1", "sub_1", "price_starter")
	delete(f.gateway.subscriptions, "sub_1")

	sub, err := f.svc.SyncSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Empty(t, f.subs.rows)
}

func TestRemoveSubscriptionToleratesMissingRow(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)

	assert.NoError(t, f.svc.RemoveSubscription(context.Background(), "sub_missing"))
	assert.Empty(t, f.events.events)
}

func TestCompleteCheckoutLinksCustomerAndSyncs(t *testing.T) {
	f := newFixture(t, models.DeletePolicyCascade)
	f.gateway.subscriptions["sub_9"] = remoteSubscription("sub_9", "cus_9", "active", "price_pro")

	err := f.svc.CompleteCheckout(context.Background(), &stripe.CheckoutSessionObject{
		ID:                "cs_1",
		Customer:          "cus_9",
		Subscription:      "sub_9",
		ClientReferenceID: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_9", *f.users.users[1].StripeCustomerID)

	sub, err := f.subs.GetSubscriptionByUserID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "sub_9", sub.StripeSubscriptionID)
}
