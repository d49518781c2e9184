package dispatcher

import (
	"time"

	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/workflow"
)

// InstanceView is the read-only copy of an instance handed to handlers
type InstanceView struct {
	instance *entity.WorkflowInstance
}

// NewInstanceView snapshots instance
func NewInstanceView(instance *entity.WorkflowInstance) InstanceView {
	return InstanceView{instance: instance.Clone()}
}

func (v InstanceView) ID() int64 {
	return v.instance.ID
}

func (v InstanceView) WorkflowType() string {
	return v.instance.WorkflowType
}

func (v InstanceView) ReferenceType() string {
	return v.instance.ReferenceType
}

func (v InstanceView) ReferenceID() string {
	return v.instance.ReferenceID
}

func (v InstanceView) CurrentStage() string {
	return v.instance.CurrentStage
}

func (v InstanceView) Status() workflow.Status {
	return v.instance.Status
}

func (v InstanceView) StartedBy() string {
	return v.instance.StartedBy
}

func (v InstanceView) CreatedAt() time.Time {
	return v.instance.CreatedAt
}

// Data returns a fresh copy of the payload on every call
func (v InstanceView) Data() map[string]interface{} {
	return entity.CopyData(v.instance.Data)
}

// Get returns one payload value
func (v InstanceView) Get(key string) (interface{}, bool) {
	val, ok := v.instance.Data[key]
	if !ok {
		return nil, false
	}
	return entity.CopyData(map[string]interface{}{key: val})[key], true
}
