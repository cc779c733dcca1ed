package services

import (
	"context"
	"errors"
	"time"

	"thumbforge_backend/internal/logger"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/repositories"
	"thumbforge_backend/pkg/apperrors"
)

// UsageInfo - снимок лимитов генерации пользователя.
type UsageInfo struct {
	Plan      models.PlanType `json:"plan"`
	Created   int             `json:"created"`
	Limit     int             `json:"limit"`
	Remaining int             `json:"remaining"`
	ResetDate time.Time       `json:"resetDate"`
}

// UsageService - операции над зеркалом лимитов на пользователе.
// Зеркало - денормализация для дешевых проверок на read-путях;
// источником истины при списании остается подписка.
type UsageService interface {
	CanCreateThumbnail(ctx context.Context, userID string) (bool, *UsageInfo, error)
	RecordThumbnailCreation(ctx context.Context, userID string) error
	GetUsage(ctx context.Context, userID string) (*UsageInfo, error)
	SyncWithSubscription(ctx context.Context, userID string) error
}

type usageService struct {
	userRepo repositories.UserRepository
	subRepo  repositories.SubscriptionRepository
	now      func() time.Time
}

func NewUsageService(userRepo repositories.UserRepository, subRepo repositories.SubscriptionRepository) UsageService {
	return &usageService{userRepo: userRepo, subRepo: subRepo, now: time.Now}
}

// CanCreateThumbnail сообщает, остались ли у пользователя генерации.
// Сброс истекшего месяца выполняется лениво ДО проверки, иначе первый
// запрос нового месяца получил бы отказ по прошлогоднему счетчику.
func (s *usageService) CanCreateThumbnail(ctx context.Context, userID string) (bool, *UsageInfo, error) {
	user, err := s.resetIfNeeded(ctx, userID)
	if err != nil {
		return false, nil, err
	}

	info := usageFromUser(user)
	return info.Remaining > 0, info, nil
}

// RecordThumbnailCreation атомарно увеличивает счетчик генераций.
// Условный UPDATE гарантирует, что счетчик не перешагнет лимит даже
// при параллельных запросах.
func (s *usageService) RecordThumbnailCreation(ctx context.Context, userID string) error {
	if _, err := s.resetIfNeeded(ctx, userID); err != nil {
		return err
	}

	err := s.userRepo.IncrementThumbnailUsage(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrThumbnailLimitHit) {
			return apperrors.ErrThumbnailLimitReached
		}
		if errors.Is(err, repositories.ErrUserNotFound) {
			return apperrors.ErrUserNotFound
		}
		return apperrors.InternalError(err)
	}
	return nil
}

// GetUsage возвращает текущее использование с учетом ленивого сброса.
func (s *usageService) GetUsage(ctx context.Context, userID string) (*UsageInfo, error) {
	user, err := s.resetIfNeeded(ctx, userID)
	if err != nil {
		return nil, err
	}
	return usageFromUser(user), nil
}

// SyncWithSubscription выравнивает зеркало по активной подписке.
// Идемпотентна: повторный вызов без изменений подписки - no-op.
func (s *usageService) SyncWithSubscription(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return apperrors.ErrUserNotFound
		}
		return apperrors.InternalError(err)
	}

	sub, err := s.subRepo.FindActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			// Нет активной подписки - зеркало остается как есть;
			// перевод на free делает reconciler
			return nil
		}
		return apperrors.InternalError(err)
	}

	if user.SubscriptionPlan == sub.PlanType &&
		user.ThumbnailUsage.Limit == sub.ThumbnailLimit &&
		user.ThumbnailUsage.ResetDate.Equal(sub.CurrentPeriodEnd) {
		return nil
	}

	// Счетчик created обнуляется только при смене плана; пассивная сверка
	// подтягивает лимит и дату сброса, не трогая расход
	if user.SubscriptionPlan == sub.PlanType {
		if err := s.userRepo.AlignPlanLimits(ctx, userID, sub.PlanType, sub.ThumbnailLimit, sub.CurrentPeriodEnd); err != nil {
			return apperrors.InternalError(err)
		}
		logger.CtxInfo(ctx, "usage mirror limits aligned with subscription",
			"user_id", userID, "plan", sub.PlanType)
		return nil
	}

	if err := s.userRepo.ApplyPlan(ctx, userID, sub.PlanType, sub.ThumbnailLimit, sub.CurrentPeriodEnd); err != nil {
		return apperrors.InternalError(err)
	}

	logger.CtxInfo(ctx, "usage mirror synced with subscription",
		"user_id", userID, "plan", sub.PlanType)
	return nil
}

// resetIfNeeded обнуляет счетчик, если дата сброса в прошлом, и
// возвращает актуального пользователя.
func (s *usageService) resetIfNeeded(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.InternalError(err)
	}

	now := s.now()
	if user.ThumbnailUsage.ResetDate.IsZero() || user.ThumbnailUsage.ResetDate.After(now) {
		return user, nil
	}

	// Новая дата сброса берется из активной подписки; 30 дней - запасной
	// вариант для пользователей без подписки
	resetDate := now.Add(30 * 24 * time.Hour)
	if sub, serr := s.subRepo.FindActiveByUserID(ctx, userID); serr == nil && sub.CurrentPeriodEnd.After(now) {
		resetDate = sub.CurrentPeriodEnd
	}

	if err := s.userRepo.ResetThumbnailUsage(ctx, userID, resetDate); err != nil {
		return nil, apperrors.InternalError(err)
	}

	user.ThumbnailUsage.Created = 0
	user.ThumbnailUsage.ResetDate = resetDate
	return user, nil
}

func usageFromUser(user *models.User) *UsageInfo {
	remaining := user.ThumbnailUsage.Limit - user.ThumbnailUsage.Created
	if remaining < 0 {
		remaining = 0
	}
	return &UsageInfo{
		Plan:      user.SubscriptionPlan,
		Created:   user.ThumbnailUsage.Created,
		Limit:     user.ThumbnailUsage.Limit,
		Remaining: remaining,
		ResetDate: user.ThumbnailUsage.ResetDate,
	}
}
