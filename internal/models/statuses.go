package models

type UserRole string
type UserStatus string
type PlanType string
type SubscriptionStatus string
type SubscriptionOrigin string
type PaymentStatus string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"

	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"

	PlanFree       PlanType = "free"
	PlanBasic      PlanType = "basic"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"

	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"

	// Происхождение подписки: Stripe, админ-грант или бесплатный план.
	// Именно Origin (а не префикс stripe_subscription_id) определяет,
	// нужно ли отменять подписку на стороне провайдера.
	OriginStripe SubscriptionOrigin = "stripe"
	OriginAdmin  SubscriptionOrigin = "admin"
	OriginFree   SubscriptionOrigin = "free"

	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// subscriptionTransitions - таблица допустимых переходов статуса подписки.
// Возврат из canceled в active невозможен: возобновление всегда оформляется
// новой строкой с новым stripe_subscription_id.
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusActive: {
		SubscriptionStatusActive, // продление периода / смена плана
		SubscriptionStatusCanceled,
		SubscriptionStatusPastDue,
		SubscriptionStatusUnpaid,
		SubscriptionStatusPaused,
	},
	SubscriptionStatusPastDue: {
		SubscriptionStatusActive,
		SubscriptionStatusCanceled,
		SubscriptionStatusUnpaid,
	},
	SubscriptionStatusUnpaid: {
		SubscriptionStatusActive,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusPaused: {
		SubscriptionStatusActive,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusCanceled: {},
}

// CanTransition проверяет, допустим ли переход статуса подписки.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidPlanType проверяет, что строка - известный тип плана.
func ValidPlanType(p PlanType) bool {
	switch p {
	case PlanFree, PlanBasic, PlanPro, PlanEnterprise:
		return true
	default:
		return false
	}
}

// ValidSubscriptionStatus проверяет, что строка - известный статус подписки.
func ValidSubscriptionStatus(s SubscriptionStatus) bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusCanceled,
		SubscriptionStatusPastDue, SubscriptionStatusUnpaid, SubscriptionStatusPaused:
		return true
	default:
		return false
	}
}
