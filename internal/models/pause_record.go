package models

import (
	"time"
)

// PauseRecord is the history of one pause interval on a session. At most one
// record per session has ResumedAt unset (the open pause); the session is
// paused iff such a record exists.
type PauseRecord struct {
	BaseModel
	SessionID   string      `gorm:"type:uuid;not null;index"`
	PausedAt    time.Time   `gorm:"not null"`
	ResumedAt   *time.Time  `gorm:"index"`
	Reason      PauseReason `gorm:"not null"`
	Description string
	ActorID     *string // token subject of the acting operator, nil for system-initiated pauses
}
