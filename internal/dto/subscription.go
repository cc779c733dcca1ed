package dto

import (
	"time"

	"thumbforge_backend/internal/models"
)

type CheckoutRequest struct {
	PlanType string `json:"planType" validate:"required,is-plan-type"`
}

type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type SyncSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type ChangePlanRequest struct {
	PlanType string `json:"planType" validate:"required,is-plan-type"`
}

type AdminGrantRequest struct {
	UserID   string `json:"userId" validate:"required,uuid4"`
	PlanType string `json:"planType" validate:"required,is-plan-type"`
	Days     int    `json:"days" validate:"omitempty,min=1,max=365"`
}

type SubscriptionResponse struct {
	ID                 string                    `json:"id"`
	PlanType           models.PlanType           `json:"planType"`
	Status             models.SubscriptionStatus `json:"status"`
	Origin             models.SubscriptionOrigin `json:"origin"`
	CurrentPeriodStart time.Time                 `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time                 `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool                      `json:"cancelAtPeriodEnd"`
	Credits            CreditsResponse           `json:"credits"`
}

type CreditsResponse struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

func NewSubscriptionResponse(sub *models.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                 sub.ID,
		PlanType:           sub.PlanType,
		Status:             sub.Status,
		Origin:             sub.Origin,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Credits: CreditsResponse{
			Used:      sub.Credits.Used,
			Limit:     sub.Credits.Limit,
			Remaining: sub.Credits.Remaining(),
		},
	}
}

type PaymentResponse struct {
	ID        string               `json:"id"`
	Amount    int64                `json:"amount"`
	Currency  string               `json:"currency"`
	Status    models.PaymentStatus `json:"status"`
	PaidAt    *time.Time           `json:"paidAt,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}

func NewPaymentResponse(p *models.PaymentTransaction) PaymentResponse {
	return PaymentResponse{
		ID:        p.ID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Status:    p.Status,
		PaidAt:    p.PaidAt,
		CreatedAt: p.CreatedAt,
	}
}
