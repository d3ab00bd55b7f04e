package models

const (
	AlertKindReconcileFailed = "reconcile_failed"
)

// OperatorAlert is written by the reconcile sweep when a flagged session
// keeps failing past the alert threshold. Listed on the operator API and
// mailed out; acknowledged manually.
type OperatorAlert struct {
	BaseModel
	SessionID    string `gorm:"type:uuid;not null;index"`
	Kind         string `gorm:"not null"`
	Message      string `gorm:"not null"`
	FailureCount int    `gorm:"default:0"`
	Acknowledged bool   `gorm:"default:false;index"`
}
