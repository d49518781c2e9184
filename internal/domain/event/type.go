package event

// Type identifies the type of domain event
type Type string

const (
	TypeInstanceInitiated  Type = "instance.initiated"
	TypeInstanceAdvanced   Type = "instance.advanced"
	TypeInstanceCompleted  Type = "instance.completed"
	TypeInstanceCancelled  Type = "instance.cancelled"
	TypeInstanceFailed     Type = "instance.failed"
	TypeTransitionRejected Type = "transition.rejected"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeInstanceInitiated,
		TypeInstanceAdvanced,
		TypeInstanceCompleted,
		TypeInstanceCancelled,
		TypeInstanceFailed,
		TypeTransitionRejected:
		return true
	default:
		return false
	}
}
