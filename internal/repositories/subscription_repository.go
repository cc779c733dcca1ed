package repositories

import (
	"context"
	"errors"
	"time"

	"thumbforge_backend/internal/models"

	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrDuplicateSubscription = errors.New("subscription with this external id already exists")
	ErrCreditLimitReached    = errors.New("credit limit reached")
)

// DeductOutcome - результат атомарного списания кредита.
type DeductOutcome struct {
	Success   bool
	Used      int
	Remaining int
}

// SubscriptionWithUser - строка для админской выдачи.
type SubscriptionWithUser struct {
	models.Subscription
	UserName  string
	UserEmail string
}

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	FindByID(ctx context.Context, id string) (*models.Subscription, error)
	FindActiveByUserID(ctx context.Context, userID string) (*models.Subscription, error)
	FindByUserID(ctx context.Context, userID string) (*models.Subscription, error)
	FindByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*models.Subscription, error)
	FindByStripeCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)
	FindActiveByUserIDExcept(ctx context.Context, userID, excludeStripeSubID string) ([]models.Subscription, error)
	MarkCanceled(ctx context.Context, id string) error
	DeleteAllForUser(ctx context.Context, userID string) error
	ListActiveWithUsers(ctx context.Context) ([]SubscriptionWithUser, error)

	// Credit ledger
	DeductCredit(ctx context.Context, userID string) (*DeductOutcome, error)
	ResetCreditsIfPeriodElapsed(ctx context.Context, sub *models.Subscription, now time.Time) error

	// PaymentTransaction operations
	CreatePaymentTransaction(ctx context.Context, payment *models.PaymentTransaction) error
	FindPaymentsByUser(ctx context.Context, userID string) ([]models.PaymentTransaction, error)
	ListPayments(ctx context.Context) ([]models.PaymentTransaction, error)
}

type SubscriptionRepositoryImpl struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &SubscriptionRepositoryImpl{db: db}
}

func (r *SubscriptionRepositoryImpl) Create(ctx context.Context, sub *models.Subscription) error {
	err := r.db.WithContext(ctx).Create(sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateSubscription
		}
		return err
	}
	return nil
}

func (r *SubscriptionRepositoryImpl) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepositoryImpl) FindByID(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepositoryImpl) FindActiveByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SubscriptionStatusActive).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// FindByUserID возвращает последнюю по времени подписку пользователя
// независимо от статуса.
func (r *SubscriptionRepositoryImpl) FindByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepositoryImpl) FindByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeSubID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepositoryImpl) FindByStripeCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// FindActiveByUserIDExcept возвращает активные подписки пользователя, кроме
// строки с указанным stripe_subscription_id. Используется reconciler'ом
// для гашения дублей при активации новой подписки.
func (r *SubscriptionRepositoryImpl) FindActiveByUserIDExcept(ctx context.Context, userID, excludeStripeSubID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND stripe_subscription_id <> ?",
			userID, models.SubscriptionStatusActive, excludeStripeSubID).
		Find(&subs).Error
	return subs, err
}

func (r *SubscriptionRepositoryImpl) MarkCanceled(ctx context.Context, id string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      models.SubscriptionStatusCanceled,
		"canceled_at": now,
		"updated_at":  now,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepositoryImpl) DeleteAllForUser(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Subscription{}).Error
}

func (r *SubscriptionRepositoryImpl) ListActiveWithUsers(ctx context.Context) ([]SubscriptionWithUser, error) {
	var rows []SubscriptionWithUser
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("subscriptions.*, users.name as user_name, users.email as user_email").
		Joins("LEFT JOIN users ON users.id = subscriptions.user_id").
		Where("subscriptions.status = ?", models.SubscriptionStatusActive).
		Order("subscriptions.created_at DESC").
		Scan(&rows).Error
	return rows, err
}

// DeductCredit атомарно списывает один кредит с активной подписки.
// Проверка и инкремент выполняются одним условным UPDATE: два конкурентных
// вызова при used == limit-1 дадут ровно одно успешное списание.
func (r *SubscriptionRepositoryImpl) DeductCredit(ctx context.Context, userID string) (*DeductOutcome, error) {
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND status = ? AND credits_used < credits_limit",
			userID, models.SubscriptionStatusActive).
		Updates(map[string]interface{}{
			"credits_used": gorm.Expr("credits_used + 1"),
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected > 0 {
		sub, err := r.FindActiveByUserID(ctx, userID)
		if err != nil {
			// Списание прошло, но прочитать счетчик не удалось -
			// отдаем успех без точных цифр
			return &DeductOutcome{Success: true}, nil
		}
		return &DeductOutcome{
			Success:   true,
			Used:      sub.Credits.Used,
			Remaining: sub.Credits.Remaining(),
		}, nil
	}

	// UPDATE никого не задел: либо нет активной подписки, либо лимит исчерпан.
	// Повторное чтение - только для диагностики, итог определен атомарным UPDATE.
	sub, err := r.FindActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}

	return &DeductOutcome{
		Success:   false,
		Used:      sub.Credits.Used,
		Remaining: sub.Credits.Remaining(),
	}, ErrCreditLimitReached
}

// ResetCreditsIfPeriodElapsed лениво обнуляет счетчик кредитов, если
// биллинговый период подписки уже закончился. Cron для этого не нужен:
// проверка выполняется при обращении к счетчику.
func (r *SubscriptionRepositoryImpl) ResetCreditsIfPeriodElapsed(ctx context.Context, sub *models.Subscription, now time.Time) error {
	if !now.After(sub.CurrentPeriodEnd) {
		return nil
	}

	newEnd := sub.CurrentPeriodEnd
	for !newEnd.After(now) {
		newEnd = newEnd.AddDate(0, 0, 30)
	}

	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND current_period_end = ?", sub.ID, sub.CurrentPeriodEnd).
		Updates(map[string]interface{}{
			"credits_used":         0,
			"current_period_start": sub.CurrentPeriodEnd,
			"current_period_end":   newEnd,
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		sub.Credits.Used = 0
		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = newEnd
	}
	return nil
}

// PaymentTransaction operations

func (r *SubscriptionRepositoryImpl) CreatePaymentTransaction(ctx context.Context, payment *models.PaymentTransaction) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *SubscriptionRepositoryImpl) FindPaymentsByUser(ctx context.Context, userID string) ([]models.PaymentTransaction, error) {
	var payments []models.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&payments).Error
	return payments, err
}

func (r *SubscriptionRepositoryImpl) ListPayments(ctx context.Context) ([]models.PaymentTransaction, error) {
	var payments []models.PaymentTransaction
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(500).Find(&payments).Error
	return payments, err
}
