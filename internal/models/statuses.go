package models

type SessionStatus string
type SubscriptionStatus string
type PauseReason string
type UsageEventType string

const (
	// Terminated is absorbing: no transition leaves it.
	SessionStatusActive     SessionStatus = "active"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusTerminated SessionStatus = "terminated"

	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"

	PauseReasonUserRequest  PauseReason = "user_request"
	PauseReasonAdminAction  PauseReason = "admin_action"
	PauseReasonSystemAuto   PauseReason = "system_auto"
	PauseReasonPaymentIssue PauseReason = "payment_issue"
	PauseReasonOther        PauseReason = "other"

	UsageEventUpdate    UsageEventType = "update"
	UsageEventTerminate UsageEventType = "terminate"
)
