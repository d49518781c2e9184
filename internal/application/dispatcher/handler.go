package dispatcher

import (
	"context"
)

// Patch is the set of payload keys a handler wants merged into the instance
type Patch map[string]interface{}

// HandlerFunc performs the domain side of an action.
// It may write to its own domain storage but never to the workflow instance.
type HandlerFunc func(ctx context.Context, instance InstanceView, data map[string]interface{}) (Patch, error)

// HandlerInfo contains handler metadata for debugging
type HandlerInfo struct {
	WorkflowType string
	Action       string
	Handler      HandlerFunc
	Description  string
}

// NoopHandler accepts the action without touching the payload
func NoopHandler(ctx context.Context, instance InstanceView, data map[string]interface{}) (Patch, error) {
	return Patch{}, nil
}

// PassthroughHandler merges the request data into the payload unchanged
func PassthroughHandler(ctx context.Context, instance InstanceView, data map[string]interface{}) (Patch, error) {
	patch := make(Patch, len(data))
	for k, v := range data {
		patch[k] = v
	}
	return patch, nil
}
