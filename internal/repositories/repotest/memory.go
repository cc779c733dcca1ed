// Package repotest содержит in-memory реализации репозиториев для тестов
// сервисного слоя. Семантика повторяет SQL-реализации, включая атомарность
// условных обновлений: все мутации выполняются под мьютексом.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/repositories"

	"github.com/google/uuid"
)

// MemoryUserRepo - in-memory repositories.UserRepository.
type MemoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: make(map[string]*models.User)}
}

// Seed кладет пользователя напрямую, присваивая ID при необходимости.
func (r *MemoryUserRepo) Seed(user *models.User) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	r.users[user.ID] = user
	return user
}

func (r *MemoryUserRepo) Create(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repositories.ErrEmailTaken
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now()
	r.users[user.ID] = user
	return nil
}

func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, repositories.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *MemoryUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, repositories.ErrUserNotFound
}

func (r *MemoryUserRepo) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return repositories.ErrUserNotFound
	}
	applyUserUpdates(user, updates)
	return nil
}

func (r *MemoryUserRepo) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	return r.Update(ctx, userID, map[string]interface{}{"stripe_customer_id": customerID})
}

func (r *MemoryUserRepo) List(ctx context.Context) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryUserRepo) IncrementThumbnailUsage(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return repositories.ErrUserNotFound
	}
	if user.ThumbnailUsage.Created >= user.ThumbnailUsage.Limit {
		return repositories.ErrThumbnailLimitHit
	}
	user.ThumbnailUsage.Created++
	return nil
}

func (r *MemoryUserRepo) ResetThumbnailUsage(ctx context.Context, userID string, resetDate time.Time) error {
	return r.Update(ctx, userID, map[string]interface{}{
		"thumbnail_created":    0,
		"thumbnail_reset_date": resetDate,
	})
}

func (r *MemoryUserRepo) ApplyPlan(ctx context.Context, userID string, plan models.PlanType, limit int, resetDate time.Time) error {
	return r.Update(ctx, userID, map[string]interface{}{
		"subscription_plan":    plan,
		"has_plan":             plan != models.PlanFree,
		"thumbnail_limit":      limit,
		"thumbnail_created":    0,
		"thumbnail_reset_date": resetDate,
	})
}

func (r *MemoryUserRepo) AlignPlanLimits(ctx context.Context, userID string, plan models.PlanType, limit int, resetDate time.Time) error {
	return r.Update(ctx, userID, map[string]interface{}{
		"subscription_plan":    plan,
		"has_plan":             plan != models.PlanFree,
		"thumbnail_limit":      limit,
		"thumbnail_reset_date": resetDate,
	})
}

func applyUserUpdates(user *models.User, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "stripe_customer_id":
			user.StripeCustomerID = val.(string)
		case "subscription_plan":
			user.SubscriptionPlan = val.(models.PlanType)
		case "has_plan":
			user.HasPlan = val.(bool)
		case "thumbnail_limit":
			user.ThumbnailUsage.Limit = val.(int)
		case "thumbnail_created":
			user.ThumbnailUsage.Created = val.(int)
		case "thumbnail_reset_date":
			user.ThumbnailUsage.ResetDate = val.(time.Time)
		}
	}
}

// MemorySubscriptionRepo - in-memory repositories.SubscriptionRepository.
type MemorySubscriptionRepo struct {
	mu       sync.Mutex
	subs     map[string]*models.Subscription
	payments []models.PaymentTransaction

	// Users подключается для ListActiveWithUsers; может быть nil.
	Users *MemoryUserRepo
}

func NewMemorySubscriptionRepo() *MemorySubscriptionRepo {
	return &MemorySubscriptionRepo{subs: make(map[string]*models.Subscription)}
}

// Seed кладет подписку напрямую, присваивая ID при необходимости.
func (r *MemorySubscriptionRepo) Seed(sub *models.Subscription) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	r.subs[sub.ID] = sub
	return sub
}

func (r *MemorySubscriptionRepo) Create(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeSubscriptionID == sub.StripeSubscriptionID {
			return repositories.ErrDuplicateSubscription
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now()
	r.subs[sub.ID] = sub
	return nil
}

func (r *MemorySubscriptionRepo) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return repositories.ErrSubscriptionNotFound
	}
	applySubUpdates(sub, updates)
	return nil
}

func (r *MemorySubscriptionRepo) FindByID(ctx context.Context, id string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, repositories.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *MemorySubscriptionRepo) FindActiveByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.findActiveLocked(userID)
	if sub == nil {
		return nil, repositories.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *MemorySubscriptionRepo) FindByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Subscription
	for _, s := range r.subs {
		if s.UserID != userID {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, repositories.ErrSubscriptionNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *MemorySubscriptionRepo) FindByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeSubscriptionID == stripeSubID {
			copied := *s
			return &copied, nil
		}
	}
	return nil, repositories.ErrSubscriptionNotFound
}

func (r *MemorySubscriptionRepo) FindByStripeCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeCustomerID == customerID && s.Status == models.SubscriptionStatusActive {
			copied := *s
			return &copied, nil
		}
	}
	return nil, repositories.ErrSubscriptionNotFound
}

func (r *MemorySubscriptionRepo) FindActiveByUserIDExcept(ctx context.Context, userID, excludeStripeSubID string) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, s := range r.subs {
		if s.UserID == userID && s.Status == models.SubscriptionStatusActive &&
			s.StripeSubscriptionID != excludeStripeSubID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *MemorySubscriptionRepo) MarkCanceled(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return repositories.ErrSubscriptionNotFound
	}
	now := time.Now()
	sub.Status = models.SubscriptionStatusCanceled
	sub.CanceledAt = &now
	return nil
}

func (r *MemorySubscriptionRepo) DeleteAllForUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		if s.UserID == userID {
			delete(r.subs, id)
		}
	}
	return nil
}

func (r *MemorySubscriptionRepo) ListActiveWithUsers(ctx context.Context) ([]repositories.SubscriptionWithUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repositories.SubscriptionWithUser
	for _, s := range r.subs {
		if s.Status != models.SubscriptionStatusActive {
			continue
		}
		row := repositories.SubscriptionWithUser{Subscription: *s}
		if r.Users != nil {
			if user, err := r.Users.FindByID(ctx, s.UserID); err == nil {
				row.UserName = user.Name
				row.UserEmail = user.Email
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *MemorySubscriptionRepo) DeductCredit(ctx context.Context, userID string) (*repositories.DeductOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.findActiveLocked(userID)
	if sub == nil {
		return nil, repositories.ErrSubscriptionNotFound
	}
	if sub.Credits.Used >= sub.Credits.Limit {
		return &repositories.DeductOutcome{
			Success:   false,
			Used:      sub.Credits.Used,
			Remaining: sub.Credits.Remaining(),
		}, repositories.ErrCreditLimitReached
	}
	sub.Credits.Used++
	return &repositories.DeductOutcome{
		Success:   true,
		Used:      sub.Credits.Used,
		Remaining: sub.Credits.Remaining(),
	}, nil
}

func (r *MemorySubscriptionRepo) ResetCreditsIfPeriodElapsed(ctx context.Context, sub *models.Subscription, now time.Time) error {
	if !now.After(sub.CurrentPeriodEnd) {
		return nil
	}

	newEnd := sub.CurrentPeriodEnd
	for !newEnd.After(now) {
		newEnd = newEnd.AddDate(0, 0, 30)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.subs[sub.ID]
	if !ok || !stored.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		return nil
	}
	stored.Credits.Used = 0
	stored.CurrentPeriodStart = sub.CurrentPeriodEnd
	stored.CurrentPeriodEnd = newEnd
	sub.Credits.Used = 0
	sub.CurrentPeriodStart = stored.CurrentPeriodStart
	sub.CurrentPeriodEnd = newEnd
	return nil
}

func (r *MemorySubscriptionRepo) CreatePaymentTransaction(ctx context.Context, payment *models.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	payment.CreatedAt = time.Now()
	r.payments = append(r.payments, *payment)
	return nil
}

func (r *MemorySubscriptionRepo) FindPaymentsByUser(ctx context.Context, userID string) ([]models.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentTransaction
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemorySubscriptionRepo) ListPayments(ctx context.Context) ([]models.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PaymentTransaction, len(r.payments))
	copy(out, r.payments)
	return out, nil
}

func (r *MemorySubscriptionRepo) findActiveLocked(userID string) *models.Subscription {
	var found *models.Subscription
	for _, s := range r.subs {
		if s.UserID != userID || s.Status != models.SubscriptionStatusActive {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	return found
}

func applySubUpdates(sub *models.Subscription, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "status":
			sub.Status = val.(models.SubscriptionStatus)
		case "plan_type":
			sub.PlanType = val.(models.PlanType)
		case "cancel_at_period_end":
			sub.CancelAtPeriodEnd = val.(bool)
		case "canceled_at":
			sub.CanceledAt = val.(*time.Time)
		case "current_period_start":
			sub.CurrentPeriodStart = val.(time.Time)
		case "current_period_end":
			sub.CurrentPeriodEnd = val.(time.Time)
		case "credits_used":
			sub.Credits.Used = val.(int)
		case "credits_limit":
			sub.Credits.Limit = val.(int)
		case "thumbnail_limit":
			sub.ThumbnailLimit = val.(int)
		}
	}
}

var (
	_ repositories.UserRepository         = (*MemoryUserRepo)(nil)
	_ repositories.SubscriptionRepository = (*MemorySubscriptionRepo)(nil)
)
