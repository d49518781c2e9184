package workflow

import "strings"

// Reserved action names recorded on transitions that are not caused by a
// definition action. Definitions may not declare these names.
const (
	ActionInitiate = "initiate"
	ActionCancel   = "cancel"
	ActionFail     = "fail"
	ActionComplete = "complete"
)

const entrySuffix = ":enter"

var reservedActions = map[string]bool{
	ActionInitiate: true,
	ActionCancel:   true,
	ActionFail:     true,
	ActionComplete: true,
}

// IsReservedAction returns true if name is used by the engine itself
func IsReservedAction(name string) bool {
	return reservedActions[name] || strings.HasSuffix(name, entrySuffix)
}

// EntryAction returns the dispatcher key of a stage's on-enter handler
func EntryAction(stage string) string {
	return stage + entrySuffix
}
