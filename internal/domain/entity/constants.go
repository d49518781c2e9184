package entity

// Outcome constants for TransitionRecord
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Payload keys written by the engine itself
const (
	DataKeyCancellationReason = "cancellation_reason"
	DataKeyFailureReason      = "failure_reason"
	DataKeyCompletion         = "completion"
)

// Notification kind constants
const (
	NotificationKindStageEntry    = "stage_entry"
	NotificationKindStageComplete = "stage_complete"
)

// Notification status constants
const (
	NotificationStatusPending = "PENDING"
	NotificationStatusSent    = "SENT"
	NotificationStatusFailed  = "FAILED"
)

// Recipient prefixes for StageNotification.Recipient
const (
	RecipientRolePrefix = "role:"
	RecipientUserPrefix = "user:"
)
