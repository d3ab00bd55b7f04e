package models

import (
	"time"
)

// UsageReport is the ledger of applied usage deltas. The unique report key
// makes redelivered webhook reports idempotent: the key insert and the usage
// increment share one transaction.
type UsageReport struct {
	BaseModel
	SessionID  string         `gorm:"type:uuid;not null;index"`
	ReportKey  string         `gorm:"not null;uniqueIndex"`
	DeltaMB    float64        `gorm:"not null"`
	EventType  UsageEventType `gorm:"not null"`
	ReceivedAt time.Time      `gorm:"not null"`
}
