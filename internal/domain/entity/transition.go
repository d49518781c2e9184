package entity

import "time"

// TransitionRecord is one entry of an instance's audit trail
type TransitionRecord struct {
	ID         int64                  `json:"id"`
	InstanceID int64                  `json:"instance_id"`
	FromStage  *string                `json:"from_stage"`
	ToStage    string                 `json:"to_stage"`
	ActorID    string                 `json:"actor_id"`
	Action     string                 `json:"action"`
	Outcome    string                 `json:"outcome"`
	Reason     string                 `json:"reason,omitempty"`
	DataDelta  map[string]interface{} `json:"data_delta"`
	Timestamp  time.Time              `json:"timestamp"`
}

// IsApplied returns true if the record describes a committed transition
func (r *TransitionRecord) IsApplied() bool {
	return r.Outcome == OutcomeApplied
}

// FromStageName returns the origin stage or an empty string for the initiation record
func (r *TransitionRecord) FromStageName() string {
	if r.FromStage == nil {
		return ""
	}
	return *r.FromStage
}

// ReplayData folds the data deltas of applied records in order
func ReplayData(records []*TransitionRecord) map[string]interface{} {
	data := make(map[string]interface{})
	for _, r := range records {
		if !r.IsApplied() {
			continue
		}
		data = MergeData(data, r.DataDelta)
	}
	return data
}
