package entity

import (
	"time"

	"github.com/garyjia/stageflow/internal/domain/workflow"
)

// WorkflowInstance is one running execution of a workflow type, tracking one business entity
type WorkflowInstance struct {
	ID            int64                  `json:"id"`
	WorkflowType  string                 `json:"workflow_type"`
	ReferenceType string                 `json:"reference_type"`
	ReferenceID   string                 `json:"reference_id"`
	CurrentStage  string                 `json:"current_stage"`
	Status        workflow.Status        `json:"status"`
	Data          map[string]interface{} `json:"data"`
	StartedBy     string                 `json:"started_by"`
	Version       int64                  `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// IsActive returns true if the instance can still transition
func (i *WorkflowInstance) IsActive() bool {
	return i.Status == workflow.StatusActive
}

// Clone returns a copy with a deep-copied payload
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	out := *i
	out.Data = CopyData(i.Data)
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// InstanceFilter narrows instance listings. Zero fields are ignored.
type InstanceFilter struct {
	WorkflowType  string
	Stage         string
	Status        workflow.Status
	ReferenceType string
	ReferenceID   string
	Limit         int
	Offset        int
}

// MergeData applies patch onto data additively: new keys are added, existing keys overwritten, nothing deleted
func MergeData(data, patch map[string]interface{}) map[string]interface{} {
	out := CopyData(data)
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// CopyData deep-copies a JSON-shaped payload
func CopyData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyData(val)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = copyValue(item)
		}
		return items
	default:
		return val
	}
}
