package models

import "time"

// ThumbnailUsage - денормализованный счетчик генераций на пользователе.
// Источником истины при списании кредитов является Subscription.Credits;
// эти поля - проекция для старых read-путей.
type ThumbnailUsage struct {
	Created   int       `gorm:"default:0" json:"created"`
	Limit     int       `gorm:"default:3" json:"limit"`
	ResetDate time.Time `json:"resetDate"`
}

type User struct {
	BaseModel
	Name             string     `gorm:"not null"`
	Email            string     `gorm:"uniqueIndex;not null"`
	PasswordHash     string     `gorm:"not null" json:"-"`
	Role             UserRole   `gorm:"type:varchar(20);default:'user'"`
	Status           UserStatus `gorm:"type:varchar(20);default:'active'"`
	StripeCustomerID string     `gorm:"uniqueIndex;default:null"`
	// subscriptionPlan == free <=> hasPlan == false
	SubscriptionPlan PlanType       `gorm:"type:varchar(20);default:'free'"`
	HasPlan          bool           `gorm:"default:false"`
	ThumbnailUsage   ThumbnailUsage `gorm:"embedded;embeddedPrefix:thumbnail_"`

	// Relations
	Subscriptions []Subscription `gorm:"foreignKey:UserID"`
}
