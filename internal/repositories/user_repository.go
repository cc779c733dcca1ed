package repositories

import (
	"context"
	"errors"
	"time"

	"thumbforge_backend/internal/models"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already taken")
	ErrThumbnailLimitHit  = errors.New("thumbnail limit reached")
	ErrNoUsageResetNeeded = errors.New("usage reset not needed")
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	List(ctx context.Context) ([]models.User, error)

	// Quota mirror operations
	IncrementThumbnailUsage(ctx context.Context, userID string) error
	ResetThumbnailUsage(ctx context.Context, userID string, resetDate time.Time) error
	ApplyPlan(ctx context.Context, userID string, plan models.PlanType, limit int, resetDate time.Time) error
	AlignPlanLimits(ctx context.Context, userID string, plan models.PlanType, limit int, resetDate time.Time) error
}

type UserRepositoryImpl struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &UserRepositoryImpl{db: db}
}

func (r *UserRepositoryImpl) Create(ctx context.Context, user *models.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (r *UserRepositoryImpl) FindByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepositoryImpl) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepositoryImpl) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepositoryImpl) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	return r.Update(ctx, userID, map[string]interface{}{"stripe_customer_id": customerID})
}

func (r *UserRepositoryImpl) List(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&users).Error
	return users, err
}

// IncrementThumbnailUsage атомарно увеличивает счетчик на пользователе.
// Условие created < limit входит в сам UPDATE, так что legacy-путь
// тоже не может продать больше лимита.
func (r *UserRepositoryImpl) IncrementThumbnailUsage(ctx context.Context, userID string) error {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND thumbnail_created < thumbnail_limit", userID).
		Updates(map[string]interface{}{
			"thumbnail_created": gorm.Expr("thumbnail_created + 1"),
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Либо пользователя нет, либо лимит исчерпан
		if _, err := r.FindByID(ctx, userID); err != nil {
			return err
		}
		return ErrThumbnailLimitHit
	}
	return nil
}

func (r *UserRepositoryImpl) ResetThumbnailUsage(ctx context.Context, userID string, resetDate time.Time) error {
	return r.Update(ctx, userID, map[string]interface{}{
		"thumbnail_created":    0,
		"thumbnail_reset_date": resetDate,
	})
}

// ApplyPlan записывает план и лимит на пользователя одним обновлением.
// Счетчик created обнуляется: вызывается только при смене плана.
func (r *UserRepositoryImpl) ApplyPlan(ctx context.Context, userID string, plan models.PlanType, limit int, resetDate time.Time) error {
	return r.Update(ctx, userID, map[string]interface{}{
		"subscription_plan":    plan,
		"has_plan":             plan != models.PlanFree,
		"thumbnail_limit":      limit,
		"thumbnail_created":    0,
		"thumbnail_reset_date": resetDate,
	})
}

// AlignPlanLimits выравнивает лимит и дату сброса без обнуления счетчика.
// Для пассивной сверки зеркала: уже израсходованные генерации сохраняются.
func (r *UserRepositoryImpl) AlignPlanLimits(ctx context.Context, userID string, plan models.PlanType, limit int, resetDate time.Time) error {
	return r.Update(ctx, userID, map[string]interface{}{
		"subscription_plan":    plan,
		"has_plan":             plan != models.PlanFree,
		"thumbnail_limit":      limit,
		"thumbnail_reset_date": resetDate,
	})
}
