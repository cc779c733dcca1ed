package services

import (
	"context"
	"errors"
	"time"

	"thumbforge_backend/internal/logger"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/plans"
	"thumbforge_backend/internal/repositories"
	"thumbforge_backend/pkg/apperrors"
)

// CreditsInfo - снимок кредитов для API ответов.
type CreditsInfo struct {
	PlanType  models.PlanType `json:"planType"`
	Used      int             `json:"used"`
	Limit     int             `json:"limit"`
	Remaining int             `json:"remaining"`
	ResetDate time.Time       `json:"resetDate"`
}

// CreditService - учет кредитов генерации поверх активной подписки.
// Списание атомарно на уровне БД: при параллельных запросах с одним
// оставшимся кредитом ровно один из них выигрывает.
type CreditService interface {
	TryDeduct(ctx context.Context, userID string) (*repositories.DeductOutcome, error)
	GetCredits(ctx context.Context, userID string) (*CreditsInfo, error)
}

type creditService struct {
	subRepo  repositories.SubscriptionRepository
	userRepo repositories.UserRepository
	now      func() time.Time
}

func NewCreditService(subRepo repositories.SubscriptionRepository, userRepo repositories.UserRepository) CreditService {
	return &creditService{subRepo: subRepo, userRepo: userRepo, now: time.Now}
}

// TryDeduct списывает один кредит с активной подписки пользователя.
// Перед списанием лениво сбрасывает счетчик, если биллинговый период
// уже истек.
func (s *creditService) TryDeduct(ctx context.Context, userID string) (*repositories.DeductOutcome, error) {
	sub, err := s.ensureSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.subRepo.ResetCreditsIfPeriodElapsed(ctx, sub, s.now()); err != nil {
		logger.CtxWithError(ctx, "lazy credit reset failed", err, "subscription_id", sub.ID)
	}

	outcome, err := s.subRepo.DeductCredit(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrCreditLimitReached) {
			return outcome, apperrors.ErrCreditLimitReached.WithDetails(map[string]interface{}{
				"used":      outcome.Used,
				"limit":     sub.Credits.Limit,
				"remaining": 0,
			})
		}
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			// Подписка исчезла между ensureSubscription и списанием -
			// рассинхрон, который должен быть виден в логах
			logger.CtxWarn(ctx, "subscription vanished during deduction", "user_id", userID)
			return nil, apperrors.ErrSubscriptionNotFound
		}
		return nil, apperrors.InternalError(err)
	}

	return outcome, nil
}

// GetCredits возвращает текущее состояние кредитов, предварительно
// выполнив ленивый сброс периода.
func (s *creditService) GetCredits(ctx context.Context, userID string) (*CreditsInfo, error) {
	sub, err := s.ensureSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.subRepo.ResetCreditsIfPeriodElapsed(ctx, sub, s.now()); err != nil {
		logger.CtxWithError(ctx, "lazy credit reset failed", err, "subscription_id", sub.ID)
	} else {
		// Перечитываем после возможного сброса
		if fresh, ferr := s.subRepo.FindByID(ctx, sub.ID); ferr == nil {
			sub = fresh
		}
	}

	return &CreditsInfo{
		PlanType:  sub.PlanType,
		Used:      sub.Credits.Used,
		Limit:     sub.Credits.Limit,
		Remaining: sub.Credits.Remaining(),
		ResetDate: sub.CurrentPeriodEnd,
	}, nil
}

// ensureSubscription возвращает активную подписку пользователя, лениво
// создавая бесплатную для пользователей, зарегистрированных до введения
// подписочной модели.
func (s *creditService) ensureSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := s.subRepo.FindActiveByUserID(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, repositories.ErrSubscriptionNotFound) {
		return nil, apperrors.InternalError(err)
	}

	if _, uerr := s.userRepo.FindByID(ctx, userID); uerr != nil {
		if errors.Is(uerr, repositories.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.InternalError(uerr)
	}

	freePlan, _ := plans.Get(models.PlanFree)
	sub = models.NewFreeSubscription(userID, freePlan.Credits, s.now())
	if cerr := s.subRepo.Create(ctx, sub); cerr != nil {
		if errors.Is(cerr, repositories.ErrDuplicateSubscription) {
			// Гонка с параллельным запросом того же пользователя
			return s.subRepo.FindActiveByUserID(ctx, userID)
		}
		return nil, apperrors.InternalError(cerr)
	}

	logger.CtxInfo(ctx, "free subscription backfilled", "user_id", userID)
	return sub, nil
}
