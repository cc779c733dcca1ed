package billing

import (
	"context"
	"errors"
	"time"

	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/plans"
)

var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrProviderCall     = errors.New("payment provider call failed")
)

type WebhookEventType string

const (
	EventCheckoutCompleted    WebhookEventType = "checkout_completed"
	EventSubscriptionUpdated  WebhookEventType = "subscription_updated"
	EventSubscriptionDeleted  WebhookEventType = "subscription_deleted"
	EventInvoicePaymentFailed WebhookEventType = "invoice_payment_failed"
	EventIgnored              WebhookEventType = "ignored"
)

// CheckoutParams - параметры создания checkout-сессии.
type CheckoutParams struct {
	CustomerID string
	UserID     string
	Plan       plans.Plan
	SuccessURL string
	CancelURL  string
}

// CheckoutSession - созданная провайдером сессия оплаты.
type CheckoutSession struct {
	ID  string
	URL string
}

// SessionInfo - снимок checkout-сессии при ее получении от провайдера.
type SessionInfo struct {
	ID             string
	PaymentStatus  string // "paid" когда оплата завершена
	SubscriptionID string
	CustomerID     string
	Metadata       map[string]string
}

// SubscriptionInfo - снимок подписки на стороне провайдера.
// Нулевые PeriodStart/PeriodEnd означают, что провайдер их не вернул.
type SubscriptionInfo struct {
	ID                string
	Status            models.SubscriptionStatus
	PeriodStart       time.Time
	PeriodEnd         time.Time
	ProductID         string
	PriceID           string
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// InvoiceInfo - данные о счете из события провайдера.
type InvoiceInfo struct {
	CustomerID string
	AmountDue  int64
	Currency   string
}

// WebhookEvent - проверенное по подписи событие провайдера,
// приведенное к нейтральному виду.
type WebhookEvent struct {
	ID   string
	Type WebhookEventType

	// Заполнено ровно одно из полей в зависимости от Type
	Session      *SessionInfo
	Subscription *SubscriptionInfo
	Invoice      *InvoiceInfo

	// Сырой payload для snapshot'а в БД
	Raw []byte
}

// Provider - контракт биллинг-провайдера, потребляемый reconciler'ом.
// Единственная реализация в проде - Stripe; в тестах - fake.
type Provider interface {
	CreateCustomer(ctx context.Context, email, name, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionInfo, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error)
	ChangePlan(ctx context.Context, subscriptionID string, plan plans.Plan) error

	// ConstructWebhookEvent проверяет подпись и разбирает событие.
	// При неверной подписи возвращает ErrInvalidSignature, не трогая payload.
	ConstructWebhookEvent(payload []byte, signatureHeader string) (*WebhookEvent, error)
}
