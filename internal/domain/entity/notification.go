package entity

import "time"

// StageNotification is an outbox row telling a role that an instance reached a stage
type StageNotification struct {
	ID           int64      `json:"id"`
	InstanceID   int64      `json:"instance_id"`
	WorkflowType string     `json:"workflow_type"`
	Stage        string     `json:"stage"`
	Kind         string     `json:"kind"`
	Recipient    string     `json:"recipient"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}
