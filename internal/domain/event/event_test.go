package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestType_String(t *testing.T) {
	tests := []struct {
		name      string
		eventType Type
		want      string
	}{
		{"initiated", TypeInstanceInitiated, "instance.initiated"},
		{"advanced", TypeInstanceAdvanced, "instance.advanced"},
		{"completed", TypeInstanceCompleted, "instance.completed"},
		{"cancelled", TypeInstanceCancelled, "instance.cancelled"},
		{"failed", TypeInstanceFailed, "instance.failed"},
		{"rejected", TypeTransitionRejected, "transition.rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.String(); got != tt.want {
				t.Errorf("Type.String() = %v, want %v", got, tt.want)
			}
			if !tt.eventType.IsValid() {
				t.Errorf("Type.IsValid() = false, want true")
			}
		})
	}
}

func TestType_IsValidRejectsUnknown(t *testing.T) {
	if Type("instance.archived").IsValid() {
		t.Error("Type.IsValid() = true for unknown type")
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now()
	evt := NewEvent(TypeInstanceAdvanced, 42, "admission", "documents_verified", "u-1", map[string]interface{}{"action": "verify_documents"})

	if _, err := uuid.Parse(evt.ID); err != nil {
		t.Errorf("ID %q is not a uuid: %v", evt.ID, err)
	}
	if evt.CorrelationID != evt.ID {
		t.Errorf("CorrelationID = %v, want %v", evt.CorrelationID, evt.ID)
	}
	if evt.Timestamp.Before(before) {
		t.Error("Timestamp is before event creation")
	}
	if got := evt.GetPayloadString("action"); got != "verify_documents" {
		t.Errorf("GetPayloadString() = %v, want verify_documents", got)
	}
	if got := evt.GetPayloadString("missing"); got != "" {
		t.Errorf("GetPayloadString(missing) = %v, want empty", got)
	}
}

func TestEvent_WithPayloadIsImmutable(t *testing.T) {
	evt := NewEvent(TypeInstanceInitiated, 1, "admission", "application", "u-1", map[string]interface{}{"a": "1"})
	next := evt.WithPayload("b", "2")

	if _, ok := evt.Payload["b"]; ok {
		t.Error("WithPayload() mutated the original payload")
	}
	if next.GetPayloadString("b") != "2" || next.GetPayloadString("a") != "1" {
		t.Errorf("WithPayload() payload = %v", next.Payload)
	}
	if next.ID != evt.ID {
		t.Errorf("WithPayload() ID = %v, want %v", next.ID, evt.ID)
	}

	linked := evt.WithCorrelation("chain-1")
	if linked.CorrelationID != "chain-1" || evt.CorrelationID == "chain-1" {
		t.Errorf("WithCorrelation() = %v, original = %v", linked.CorrelationID, evt.CorrelationID)
	}
}
