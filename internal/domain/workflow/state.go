package workflow

// Status is the lifecycle status layered on top of the stage an instance reached
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

var validStatuses = map[Status]bool{
	StatusActive:    true,
	StatusCompleted: true,
	StatusCancelled: true,
	StatusFailed:    true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
	StatusFailed:    true,
}

// IsTerminal returns true if the status is absorbing (no further transitions allowed)
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is one of the known lifecycle statuses
func (s Status) IsValid() bool {
	return validStatuses[s]
}
