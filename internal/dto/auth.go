package dto

import (
	"time"

	"thumbforge_backend/internal/models"
)

type RegisterRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UserResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Email            string          `json:"email"`
	Role             models.UserRole `json:"role"`
	SubscriptionPlan models.PlanType `json:"subscriptionPlan"`
	HasPlan          bool            `json:"hasPlan"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

func NewUserResponse(user *models.User) UserResponse {
	return UserResponse{
		ID:               user.ID,
		Name:             user.Name,
		Email:            user.Email,
		Role:             user.Role,
		SubscriptionPlan: user.SubscriptionPlan,
		HasPlan:          user.HasPlan,
		CreatedAt:        user.CreatedAt,
	}
}
