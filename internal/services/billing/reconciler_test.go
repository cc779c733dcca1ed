package billing

import (
	"context"
	"testing"
	"time"

	"thumbforge_backend/internal/email"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/plans"
	"thumbforge_backend/internal/repositories/repotest"
	"thumbforge_backend/pkg/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider - управляемый из теста биллинг-провайдер.
type fakeProvider struct {
	sessions map[string]*SessionInfo
	subs     map[string]*SubscriptionInfo

	canceled      []string
	cancelAtEnd   []string
	planChanges   []string
	customerSeq   int
	webhookEvents map[string]*WebhookEvent // signature -> event
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions:      make(map[string]*SessionInfo),
		subs:          make(map[string]*SubscriptionInfo),
		webhookEvents: make(map[string]*WebhookEvent),
	}
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, emailAddr, name, userID string) (string, error) {
	f.customerSeq++
	return "cus_test", nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	return &CheckoutSession{ID: "cs_test", URL: "https://checkout.test/cs_test"}, nil
}

func (f *fakeProvider) RetrieveSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	info, ok := f.sessions[sessionID]
	if !ok {
		return nil, ErrProviderCall
	}
	return info, nil
}

func (f *fakeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	info, ok := f.subs[subscriptionID]
	if !ok {
		return nil, ErrProviderCall
	}
	return info, nil
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	f.canceled = append(f.canceled, subscriptionID)
	return nil
}

func (f *fakeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	f.cancelAtEnd = append(f.cancelAtEnd, subscriptionID)
	info := f.subs[subscriptionID]
	if info == nil {
		info = &SubscriptionInfo{ID: subscriptionID, Status: models.SubscriptionStatusActive}
	}
	info.CancelAtPeriodEnd = true
	return info, nil
}

func (f *fakeProvider) ChangePlan(ctx context.Context, subscriptionID string, plan plans.Plan) error {
	f.planChanges = append(f.planChanges, subscriptionID)
	return nil
}

func (f *fakeProvider) ConstructWebhookEvent(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	event, ok := f.webhookEvents[signatureHeader]
	if !ok {
		return nil, ErrInvalidSignature
	}
	return event, nil
}

type testEnv struct {
	reconciler Reconciler
	provider   *fakeProvider
	subRepo    *repotest.MemorySubscriptionRepo
	userRepo   *repotest.MemoryUserRepo
	mail       *email.MockProvider
}

func newTestEnv() *testEnv {
	provider := newFakeProvider()
	subRepo := repotest.NewMemorySubscriptionRepo()
	userRepo := repotest.NewMemoryUserRepo()
	subRepo.Users = userRepo
	mail := email.NewMockProvider()

	return &testEnv{
		reconciler: NewReconciler(subRepo, userRepo, provider, email.NewNotifier(mail), "http://front"),
		provider:   provider,
		subRepo:    subRepo,
		userRepo:   userRepo,
		mail:       mail,
	}
}

func (e *testEnv) seedUser(id string) *models.User {
	return e.userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: id},
		Name:      "Test User",
		Email:     id + "@test.com",
		ThumbnailUsage: models.ThumbnailUsage{
			Limit:     3,
			ResetDate: time.Now().Add(30 * 24 * time.Hour),
		},
		SubscriptionPlan: models.PlanFree,
	})
}

func (e *testEnv) seedPaidSession(sessionID, userID, plan, stripeSubID string) {
	e.provider.sessions[sessionID] = &SessionInfo{
		ID:             sessionID,
		PaymentStatus:  "paid",
		SubscriptionID: stripeSubID,
		CustomerID:     "cus_test",
		Metadata:       map[string]string{"userId": userID, "planType": plan},
	}
	e.provider.subs[stripeSubID] = &SubscriptionInfo{
		ID:          stripeSubID,
		Status:      models.SubscriptionStatusActive,
		PeriodStart: time.Now(),
		PeriodEnd:   time.Now().Add(30 * 24 * time.Hour),
		ProductID:   "prod_1",
		PriceID:     "price_1",
	}
}

func TestSyncFromSession_CreatesSubscriptionAndMirrors(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.seedPaidSession("sess_1", "u1", "basic", "sub_stripe_1")

	sub, err := env.reconciler.SyncFromSession(ctx, "u1", "sess_1")
	require.NoError(t, err)

	assert.Equal(t, models.PlanBasic, sub.PlanType)
	assert.Equal(t, models.OriginStripe, sub.Origin)
	assert.Equal(t, 50, sub.Credits.Limit)
	assert.Equal(t, 0, sub.Credits.Used)

	// Зеркало на пользователе выровнено
	user, err := env.userRepo.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanBasic, user.SubscriptionPlan)
	assert.True(t, user.HasPlan)
	assert.Equal(t, 50, user.ThumbnailUsage.Limit)
	assert.Equal(t, 0, user.ThumbnailUsage.Created)

	// Платеж записан
	payments, err := env.subRepo.FindPaymentsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, int64(2900), payments[0].Amount)
	assert.Equal(t, models.PaymentStatusPaid, payments[0].Status)
}

func TestSyncFromSession_NotPaid(t *testing.T) {
	env := newTestEnv()
	env.seedUser("u1")
	env.provider.sessions["sess_1"] = &SessionInfo{
		ID:            "sess_1",
		PaymentStatus: "unpaid",
		Metadata:      map[string]string{"userId": "u1", "planType": "basic"},
	}

	_, err := env.reconciler.SyncFromSession(context.Background(), "u1", "sess_1")
	assert.ErrorIs(t, err, apperrors.ErrPaymentNotCompleted)
}

func TestSyncFromSession_MissingPlanType(t *testing.T) {
	env := newTestEnv()
	env.seedUser("u1")
	env.provider.sessions["sess_1"] = &SessionInfo{
		ID:             "sess_1",
		PaymentStatus:  "paid",
		SubscriptionID: "sub_x",
		Metadata:       map[string]string{"userId": "u1"},
	}

	_, err := env.reconciler.SyncFromSession(context.Background(), "u1", "sess_1")
	assert.ErrorIs(t, err, apperrors.ErrPlanTypeMissing)
}

func TestSyncFromSession_ForeignSession(t *testing.T) {
	env := newTestEnv()
	env.seedUser("u1")
	env.seedUser("u2")
	env.seedPaidSession("sess_1", "u1", "basic", "sub_stripe_1")

	_, err := env.reconciler.SyncFromSession(context.Background(), "u2", "sess_1")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestSyncFromSession_SubscriptionOwnedByOtherUser(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.seedUser("u2")
	env.seedPaidSession("sess_1", "u1", "basic", "sub_stripe_1")

	_, err := env.reconciler.SyncFromSession(ctx, "u1", "sess_1")
	require.NoError(t, err)

	// Та же stripe-подписка в сессии другого пользователя
	env.provider.sessions["sess_2"] = &SessionInfo{
		ID:             "sess_2",
		PaymentStatus:  "paid",
		SubscriptionID: "sub_stripe_1",
		Metadata:       map[string]string{"userId": "u2", "planType": "basic"},
	}
	_, err = env.reconciler.SyncFromSession(ctx, "u2", "sess_2")
	assert.ErrorIs(t, err, apperrors.ErrSubscriptionExists)
}

func TestSyncFromSession_Idempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.seedPaidSession("sess_1", "u1", "basic", "sub_stripe_1")

	first, err := env.reconciler.SyncFromSession(ctx, "u1", "sess_1")
	require.NoError(t, err)
	second, err := env.reconciler.SyncFromSession(ctx, "u1", "sess_1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	payments, _ := env.subRepo.FindPaymentsByUser(ctx, "u1")
	assert.Len(t, payments, 1, "повторный sync не создает второй платеж")
}

func TestSyncFromSession_CancelsCompetingActives(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")

	// Существующая бесплатная и существующая stripe-подписка
	free := env.subRepo.Seed(models.NewFreeSubscription("u1", 3, time.Now().Add(-time.Hour)))
	old := env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_old",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodStart:   time.Now().Add(-time.Hour),
		CurrentPeriodEnd:     time.Now().Add(29 * 24 * time.Hour),
		Credits:              models.Credits{Limit: 50},
	})

	env.seedPaidSession("sess_1", "u1", "pro", "sub_new")
	_, err := env.reconciler.SyncFromSession(ctx, "u1", "sess_1")
	require.NoError(t, err)

	// Обе старые записи погашены локально
	freshFree, _ := env.subRepo.FindByID(ctx, free.ID)
	freshOld, _ := env.subRepo.FindByID(ctx, old.ID)
	assert.Equal(t, models.SubscriptionStatusCanceled, freshFree.Status)
	assert.Equal(t, models.SubscriptionStatusCanceled, freshOld.Status)

	// У провайдера отменена только provider-managed подписка
	assert.Equal(t, []string{"sub_old"}, env.provider.canceled)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	env := newTestEnv()
	err := env.reconciler.HandleWebhook(context.Background(), []byte("{}"), "garbage")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestHandleWebhook_DuplicateDelivery(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	sub := env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodEnd:     time.Now().Add(24 * time.Hour),
	})

	env.provider.webhookEvents["sig"] = &WebhookEvent{
		ID:           "evt_1",
		Type:         EventSubscriptionDeleted,
		Subscription: &SubscriptionInfo{ID: "sub_1", Status: models.SubscriptionStatusCanceled},
	}

	require.NoError(t, env.reconciler.HandleWebhook(ctx, []byte("{}"), "sig"))
	require.NoError(t, env.reconciler.HandleWebhook(ctx, []byte("{}"), "sig"))

	assert.Len(t, env.mail.Sent(), 1, "повторная доставка не шлет второе письмо")

	fresh, _ := env.subRepo.FindByID(ctx, sub.ID)
	assert.Equal(t, models.SubscriptionStatusCanceled, fresh.Status)
}

func TestHandleWebhook_SubscriptionDeleted_RevertsUserToFree(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.userRepo.ApplyPlan(ctx, "u1", models.PlanPro, plans.UnlimitedCredits, time.Now().Add(24*time.Hour))

	env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanPro,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
	})

	env.provider.webhookEvents["sig"] = &WebhookEvent{
		ID:           "evt_1",
		Type:         EventSubscriptionDeleted,
		Subscription: &SubscriptionInfo{ID: "sub_1", Status: models.SubscriptionStatusCanceled},
	}
	require.NoError(t, env.reconciler.HandleWebhook(ctx, []byte("{}"), "sig"))

	user, _ := env.userRepo.FindByID(ctx, "u1")
	assert.Equal(t, models.PlanFree, user.SubscriptionPlan)
	assert.False(t, user.HasPlan)
	assert.Equal(t, 3, user.ThumbnailUsage.Limit)
	assert.Equal(t, 0, user.ThumbnailUsage.Created)

	sent := env.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "u1@test.com", sent[0].To)
}

func TestHandleWebhook_PaymentFailed_MarksPastDue(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	sub := env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
	})

	env.provider.webhookEvents["sig"] = &WebhookEvent{
		ID:      "evt_1",
		Type:    EventInvoicePaymentFailed,
		Invoice: &InvoiceInfo{CustomerID: "cus_1", AmountDue: 2900, Currency: "eur"},
	}
	require.NoError(t, env.reconciler.HandleWebhook(ctx, []byte("{}"), "sig"))

	fresh, _ := env.subRepo.FindByID(ctx, sub.ID)
	assert.Equal(t, models.SubscriptionStatusPastDue, fresh.Status)

	payments, _ := env.subRepo.FindPaymentsByUser(ctx, "u1")
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)

	assert.Len(t, env.mail.Sent(), 1)
}

func TestHandleWebhook_UpdateIgnoresIllegalTransition(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	sub := env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusCanceled,
	})

	// canceled -> active запрещен: возобновление оформляется новой строкой
	env.provider.webhookEvents["sig"] = &WebhookEvent{
		ID:   "evt_1",
		Type: EventSubscriptionUpdated,
		Subscription: &SubscriptionInfo{
			ID:     "sub_1",
			Status: models.SubscriptionStatusActive,
		},
	}
	require.NoError(t, env.reconciler.HandleWebhook(ctx, []byte("{}"), "sig"))

	fresh, _ := env.subRepo.FindByID(ctx, sub.ID)
	assert.Equal(t, models.SubscriptionStatusCanceled, fresh.Status)
}

func TestCancel_StripeSubscription(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodEnd:     time.Now().Add(20 * 24 * time.Hour),
	})

	sub, err := env.reconciler.Cancel(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, sub.CancelAtPeriodEnd)
	assert.NotNil(t, sub.CanceledAt)
	// Подписка остается активной до конца периода
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, []string{"sub_1"}, env.provider.cancelAtEnd)
}

func TestCancel_AdminGrantRefused(t *testing.T) {
	env := newTestEnv()
	env.seedUser("u1")
	env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanPro,
		StripeSubscriptionID: "admin-grant-u1-1",
		Origin:               models.OriginAdmin,
		Status:               models.SubscriptionStatusActive,
	})

	_, err := env.reconciler.Cancel(context.Background(), "u1")
	assert.ErrorIs(t, err, apperrors.ErrAdminGrantSelfCancel)
}

func TestCancel_NoActiveSubscription(t *testing.T) {
	env := newTestEnv()
	env.seedUser("u1")

	_, err := env.reconciler.Cancel(context.Background(), "u1")
	assert.ErrorIs(t, err, apperrors.ErrSubscriptionNotFound)
}

func TestCancel_PastDueRefused(t *testing.T) {
	env := newTestEnv()
	env.seedUser("u1")
	env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusPastDue,
	})

	_, err := env.reconciler.Cancel(context.Background(), "u1")
	assert.ErrorIs(t, err, apperrors.ErrSubscriptionNotActive)
	assert.Empty(t, env.provider.cancelAtEnd, "провайдер не вызывается для неактивной подписки")
}

func TestChangePlan_UpdatesLimitsAndMirror(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		Credits:              models.Credits{Used: 30, Limit: 50},
		CurrentPeriodEnd:     time.Now().Add(10 * 24 * time.Hour),
	})

	sub, err := env.reconciler.ChangePlan(ctx, "u1", models.PlanPro)
	require.NoError(t, err)

	assert.Equal(t, models.PlanPro, sub.PlanType)
	assert.Equal(t, plans.UnlimitedCredits, sub.Credits.Limit)
	assert.Equal(t, 0, sub.Credits.Used, "смена плана начинает новый отсчет")
	assert.Equal(t, []string{"sub_1"}, env.provider.planChanges)

	user, _ := env.userRepo.FindByID(ctx, "u1")
	assert.Equal(t, models.PlanPro, user.SubscriptionPlan)
}

func TestAdminGrant_ReplacesExistingSubscriptions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_old",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
	})

	sub, err := env.reconciler.AdminGrant(ctx, "u1", models.PlanEnterprise, 0)
	require.NoError(t, err)

	assert.Equal(t, models.OriginAdmin, sub.Origin)
	assert.Equal(t, models.PlanEnterprise, sub.PlanType)
	assert.Contains(t, sub.StripeSubscriptionID, "admin-grant-u1-")
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), sub.CurrentPeriodEnd, time.Minute)

	// Старая stripe-подписка отменена у провайдера и удалена локально
	assert.Equal(t, []string{"sub_old"}, env.provider.canceled)
	_, err = env.subRepo.FindByStripeSubscriptionID(ctx, "sub_old")
	assert.Error(t, err)

	user, _ := env.userRepo.FindByID(ctx, "u1")
	assert.Equal(t, models.PlanEnterprise, user.SubscriptionPlan)
	assert.Len(t, env.mail.Sent(), 1)
}

func TestAdminTerminate_RevertsUserToFree(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")
	env.subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanPro,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
	})

	require.NoError(t, env.reconciler.AdminTerminate(ctx, "u1"))

	assert.Equal(t, []string{"sub_1"}, env.provider.canceled)

	_, err := env.subRepo.FindActiveByUserID(ctx, "u1")
	assert.Error(t, err, "активной подписки не осталось")

	user, _ := env.userRepo.FindByID(ctx, "u1")
	assert.Equal(t, models.PlanFree, user.SubscriptionPlan)
	assert.Equal(t, 3, user.ThumbnailUsage.Limit)
}

func TestCreateCheckoutSession_FreePlanRejected(t *testing.T) {
	env := newTestEnv()
	env.seedUser("u1")

	_, err := env.reconciler.CreateCheckoutSession(context.Background(), "u1", models.PlanFree)
	assert.Error(t, err)
}

func TestCreateCheckoutSession_CreatesCustomerOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser("u1")

	_, err := env.reconciler.CreateCheckoutSession(ctx, "u1", models.PlanBasic)
	require.NoError(t, err)
	_, err = env.reconciler.CreateCheckoutSession(ctx, "u1", models.PlanBasic)
	require.NoError(t, err)

	assert.Equal(t, 1, env.provider.customerSeq, "customer создается при первой покупке")

	user, _ := env.userRepo.FindByID(ctx, "u1")
	assert.Equal(t, "cus_test", user.StripeCustomerID)
}
