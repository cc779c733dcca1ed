package services

import (
	"context"
	"errors"
	"time"

	"thumbforge_backend/internal/auth"
	"thumbforge_backend/internal/dto"
	"thumbforge_backend/internal/logger"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/plans"
	"thumbforge_backend/internal/repositories"
	"thumbforge_backend/pkg/apperrors"
)

type AuthService interface {
	Register(ctx context.Context, req *dto.RegisterRequest) (*dto.AuthResponse, error)
	Login(ctx context.Context, req *dto.LoginRequest) (*dto.AuthResponse, error)
	GetProfile(ctx context.Context, userID string) (*dto.UserResponse, error)
}

type authService struct {
	userRepo repositories.UserRepository
	subRepo  repositories.SubscriptionRepository
}

func NewAuthService(userRepo repositories.UserRepository, subRepo repositories.SubscriptionRepository) AuthService {
	return &authService{userRepo: userRepo, subRepo: subRepo}
}

// Register создает пользователя сразу с бесплатной подпиской, чтобы
// кредитные пути не имели особого случая "пользователь без подписки".
func (s *authService) Register(ctx context.Context, req *dto.RegisterRequest) (*dto.AuthResponse, error) {
	if err := auth.ValidatePassword(req.Password); err != nil {
		return nil, apperrors.ErrWeakPassword
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, apperrors.InternalError(err)
	}

	freePlan, _ := plans.Get(models.PlanFree)
	now := time.Now()

	user := &models.User{
		Name:             req.Name,
		Email:            req.Email,
		PasswordHash:     hash,
		Role:             models.UserRoleUser,
		Status:           models.UserStatusActive,
		SubscriptionPlan: models.PlanFree,
		HasPlan:          false,
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   0,
			Limit:     freePlan.Credits,
			ResetDate: now.Add(30 * 24 * time.Hour),
		},
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrEmailTaken) {
			return nil, apperrors.ErrEmailAlreadyExists
		}
		return nil, apperrors.InternalError(err)
	}

	sub := models.NewFreeSubscription(user.ID, freePlan.Credits, now)
	if err := s.subRepo.Create(ctx, sub); err != nil {
		// Пользователь уже создан; подписку досоздаст ленивый путь
		logger.CtxWithError(ctx, "failed to create free subscription on register", err, "user_id", user.ID)
	}

	token, err := auth.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, apperrors.InternalError(err)
	}

	logger.CtxInfo(ctx, "user registered", "user_id", user.ID)
	resp := dto.NewUserResponse(user)
	return &dto.AuthResponse{Token: token, User: resp}, nil
}

func (s *authService) Login(ctx context.Context, req *dto.LoginRequest) (*dto.AuthResponse, error) {
	user, err := s.userRepo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, apperrors.InternalError(err)
	}

	if !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		return nil, apperrors.ErrInvalidCredentials
	}

	token, err := auth.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, apperrors.InternalError(err)
	}

	resp := dto.NewUserResponse(user)
	return &dto.AuthResponse{Token: token, User: resp}, nil
}

func (s *authService) GetProfile(ctx context.Context, userID string) (*dto.UserResponse, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.InternalError(err)
	}
	resp := dto.NewUserResponse(user)
	return &resp, nil
}
