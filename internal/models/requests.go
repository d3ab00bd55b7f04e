package models

import "time"

// CreateSessionRequest starts enforcement for a subscription. SessionID is
// normally empty; a caller retrying a failed create passes the previous id so
// the derived device names rebuild identically and the device-side existence
// checks absorb the duplicates.
type CreateSessionRequest struct {
	SessionID      string `json:"sessionId" validate:"omitempty,uuid4"`
	SubscriptionID string `json:"subscriptionId" validate:"required,uuid4"`
	Username       string `json:"username" validate:"required,min=3,max=64"`
	Secret         string `json:"secret" validate:"omitempty,min=6,max=128"`
	ClientIP       string `json:"clientIp" validate:"omitempty,ip"`
	ClientMAC      string `json:"clientMac" validate:"omitempty,mac"`
}

type PauseSessionRequest struct {
	Reason      PauseReason `json:"reason" validate:"required,pause_reason"`
	Description string      `json:"description" validate:"max=500"`
}

// EntitlementWebhookRequest is the billing gateway's confirmation callback.
// Username is optional: when the subscription row already exists its user
// reference is used as the credential name.
type EntitlementWebhookRequest struct {
	SubscriptionID string    `json:"subscriptionId" validate:"required,uuid4"`
	PackageID      string    `json:"packageId" validate:"required,uuid4"`
	ExpiresAt      time.Time `json:"expiresAt" validate:"required"`
	Username       string    `json:"username" validate:"omitempty,min=3,max=64"`
}

type UsageWebhookRequest struct {
	SessionID  string         `json:"sessionId" validate:"required,uuid4"`
	DataUsedMB float64        `json:"dataUsedMB" validate:"gte=0"`
	EventType  UsageEventType `json:"eventType" validate:"required,usage_event"`
	ReportKey  string         `json:"reportKey" validate:"omitempty,max=128"`
}

type PauseInterval struct {
	PausedAt    time.Time   `json:"pausedAt"`
	ResumedAt   *time.Time  `json:"resumedAt,omitempty"`
	Reason      PauseReason `json:"reason"`
	Description string      `json:"description,omitempty"`
}

type SessionStatusResponse struct {
	SessionID        string          `json:"sessionId"`
	SubscriptionID   *string         `json:"subscriptionId,omitempty"`
	Username         string          `json:"username"`
	QueueName        string          `json:"queueName"`
	Status           SessionStatus   `json:"status"`
	StartTime        time.Time       `json:"startTime"`
	EndTime          *time.Time      `json:"endTime,omitempty"`
	DataUsedMB       float64         `json:"dataUsedMB"`
	ReconcilePending bool            `json:"reconcilePending"`
	PauseHistory     []PauseInterval `json:"pauseHistory"`
}

// AlertResponse is the operator-facing view of a reconcile alert.
type AlertResponse struct {
	AlertID      string    `json:"alertId"`
	SessionID    string    `json:"sessionId"`
	Kind         string    `json:"kind"`
	Message      string    `json:"message"`
	FailureCount int       `json:"failureCount"`
	CreatedAt    time.Time `json:"createdAt"`
}
