package models

import (
	"time"
)

// Subscription is an entitlement to consume a data/bandwidth allowance for a
// time window. Created on entitlement confirmation, mutated by the session
// coordinator (status, usage, connection count) and the expiry sweep.
type Subscription struct {
	BaseModelWithDeleted
	UserID             string             `gorm:"not null;index"`
	PackageID          string             `gorm:"not null;index"`
	Status             SubscriptionStatus `gorm:"default:'active';index"`
	PurchasedAt        time.Time          `gorm:"not null"`
	ExpiresAt          time.Time          `gorm:"not null;index"`
	AllowedConnections int                `gorm:"default:1"`
	CurrentConnections int                `gorm:"default:0"`
	DataUsedMB         float64            `gorm:"default:0"`

	// Relations
	Package DataPackage `gorm:"foreignKey:PackageID"`
}
