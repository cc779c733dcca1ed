package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Credits - счетчик кредитов генерации за текущий биллинговый период.
// Инвариант used <= limit обеспечивается условным атомарным UPDATE
// в репозитории, а не проверками после чтения.
type Credits struct {
	Used  int `gorm:"default:0;check:credits_used >= 0" json:"used"`
	Limit int `gorm:"not null" json:"limit"`
}

// Remaining возвращает остаток кредитов, никогда не отрицательный.
func (c Credits) Remaining() int {
	if c.Limit <= c.Used {
		return 0
	}
	return c.Limit - c.Used
}

// Subscription - запись о подписке пользователя. Исторически у пользователя
// может быть несколько строк, но активной должна быть максимум одна;
// это инвариант reconciler'а, а не уникальный индекс.
type Subscription struct {
	BaseModel
	UserID   string   `gorm:"not null;index;index:idx_subscriptions_user_status,priority:1"`
	PlanType PlanType `gorm:"type:varchar(20);not null"`

	// Внешние ссылки на биллинг-провайдера. StripeSubscriptionID уникален
	// и служит естественным ключом для идемпотентного upsert'а.
	StripeCustomerID     string `gorm:"index"`
	StripeSubscriptionID string `gorm:"uniqueIndex;not null"`
	StripeProductID      string
	StripePriceID        string

	Origin SubscriptionOrigin `gorm:"type:varchar(20);default:'stripe'"`
	Status SubscriptionStatus `gorm:"type:varchar(20);default:'active';index:idx_subscriptions_user_status,priority:2"`

	CurrentPeriodStart time.Time `gorm:"not null"`
	CurrentPeriodEnd   time.Time `gorm:"not null"`
	CancelAtPeriodEnd  bool      `gorm:"default:false"`
	CanceledAt         *time.Time

	Credits        Credits `gorm:"embedded;embeddedPrefix:credits_"`
	ThumbnailLimit int     `gorm:"not null"`

	// Последний снимок metadata провайдера, только для диагностики.
	ProviderMetadata datatypes.JSON `gorm:"type:jsonb"`
}

// NewFreeSubscription собирает запись бесплатной подписки. Синтетический
// внешний ID нужен из-за NOT NULL UNIQUE на stripe_subscription_id.
func NewFreeSubscription(userID string, creditLimit int, now time.Time) *Subscription {
	return &Subscription{
		UserID:               userID,
		PlanType:             PlanFree,
		StripeSubscriptionID: fmt.Sprintf("free-%s-%d", userID, now.UnixNano()),
		Origin:               OriginFree,
		Status:               SubscriptionStatusActive,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     now.Add(30 * 24 * time.Hour),
		Credits:              Credits{Used: 0, Limit: creditLimit},
		ThumbnailLimit:       creditLimit,
	}
}

// IsProviderManaged сообщает, есть ли у подписки реальная запись у провайдера,
// которую имеет смысл отменять на его стороне.
func (s *Subscription) IsProviderManaged() bool {
	return s.Origin == OriginStripe
}

type PaymentTransaction struct {
	BaseModel
	UserID         string `gorm:"not null;index"`
	SubscriptionID string `gorm:"index"`
	// Сумма в минимальных единицах валюты (центах)
	Amount        int64
	Currency      string        `gorm:"type:varchar(3);default:'eur'"`
	Status        PaymentStatus `gorm:"type:varchar(20);default:'pending'"`
	StripeEventID string        `gorm:"index"`
	PaidAt        *time.Time
}
