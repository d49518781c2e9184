package workflow

import (
	"github.com/garyjia/stageflow/internal/domain/entity"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

// Outcome is the coarse result of an engine call
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// ActionView describes one action the caller may take next
type ActionView struct {
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	Target       string   `json:"target"`
	TargetLabel  string   `json:"target_label"`
	RequiresData []string `json:"requires_data,omitempty"`
}

// Result is returned by every mutating engine call, on success and on failure.
// On failure Instance holds the unchanged instance when it could be loaded.
type Result struct {
	Outcome          Outcome                  `json:"outcome"`
	ErrorKind        domainwf.ErrorKind       `json:"error_kind,omitempty"`
	Error            string                   `json:"error,omitempty"`
	InstanceID       int64                    `json:"instance_id,omitempty"`
	CurrentStage     string                   `json:"current_stage,omitempty"`
	Status           domainwf.Status          `json:"status,omitempty"`
	AvailableActions []ActionView             `json:"available_actions"`
	Data             map[string]interface{}   `json:"data,omitempty"`
	Instance         *entity.WorkflowInstance `json:"-"`
}

// StatusView is the read-only answer to Status
type StatusView struct {
	Instance         *entity.WorkflowInstance   `json:"instance"`
	CurrentStage     string                     `json:"current_stage"`
	StageLabel       string                     `json:"stage_label"`
	AvailableActions []ActionView               `json:"available_actions"`
	History          []*entity.TransitionRecord `json:"history"`
}

// IsSuccess returns true if the call committed
func (r *Result) IsSuccess() bool {
	return r.Outcome == OutcomeSuccess
}

// NewResult builds the transport-neutral result of an engine call
func NewResult(instance *entity.WorkflowInstance, actions []ActionView, err error) *Result {
	r := &Result{
		Outcome:          OutcomeSuccess,
		AvailableActions: actions,
		Instance:         instance,
	}
	if r.AvailableActions == nil {
		r.AvailableActions = []ActionView{}
	}
	if err != nil {
		r.Outcome = OutcomeError
		r.ErrorKind = domainwf.KindOf(err)
		r.Error = err.Error()
	}
	if instance != nil {
		r.InstanceID = instance.ID
		r.CurrentStage = instance.CurrentStage
		r.Status = instance.Status
		r.Data = entity.CopyData(instance.Data)
	}
	return r
}

// NewActionViews renders action definitions with their target labels
func NewActionViews(def *domainwf.WorkflowDefinition, actions []domainwf.ActionDefinition) []ActionView {
	views := make([]ActionView, 0, len(actions))
	for _, a := range actions {
		view := ActionView{
			Name:         a.Name,
			Label:        a.Label,
			Target:       a.Target,
			TargetLabel:  a.Target,
			RequiresData: a.RequiresData,
		}
		if view.Label == "" {
			view.Label = a.Name
		}
		if target, ok := def.Stage(a.Target); ok {
			view.TargetLabel = target.DisplayName()
		}
		views = append(views, view)
	}
	return views
}
