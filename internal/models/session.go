package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Device intent operations recorded for the reconcile sweep.
const (
	IntentDisableQueue = "disable_queue"
	IntentEnableQueue  = "enable_queue"
)

// DeviceIntent is the last intended device mutation that could not be
// confirmed. Stored as JSONB on the session while NeedsReconcile is set.
type DeviceIntent struct {
	Op        string    `json:"op"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one instance of a subscription being enforced on one access
// device. Terminated sessions are retained for audit and never reused.
type Session struct {
	BaseModelWithDeleted
	SubscriptionID *string       `gorm:"type:uuid;index"`
	Username       string        `gorm:"not null;index"` // credential name on the device
	QueueName      string        `gorm:"not null"`
	Status         SessionStatus `gorm:"default:'active';index"`
	StartTime      time.Time     `gorm:"not null"`
	EndTime        *time.Time
	DataUsedMB     float64 `gorm:"default:0"`
	ClientIP       string  // best effort, informational only
	ClientMAC      string

	// Reconcile state: set when a pause/resume device mutation exhausted its
	// retries and the sweep has to re-apply it.
	NeedsReconcile bool           `gorm:"default:false;index"`
	PendingIntent  datatypes.JSON `gorm:"type:jsonb"`

	// Relations
	Subscription *Subscription `gorm:"foreignKey:SubscriptionID"`
	PauseRecords []PauseRecord `gorm:"foreignKey:SessionID"`
}

// Intent decodes the pending device intent. Returns nil when none is stored.
func (s *Session) Intent() (*DeviceIntent, error) {
	if len(s.PendingIntent) == 0 {
		return nil, nil
	}
	var intent DeviceIntent
	if err := json.Unmarshal(s.PendingIntent, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// EncodeIntent serializes a device intent for storage.
func EncodeIntent(intent DeviceIntent) (datatypes.JSON, error) {
	raw, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
