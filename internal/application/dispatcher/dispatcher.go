package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/garyjia/stageflow/internal/domain/workflow"
)

// Dispatcher routes actions to the handler each domain module registered for them
type Dispatcher interface {
	// RegisterHandler registers the handler for a (workflow type, action) pair
	RegisterHandler(workflowType, action string, handler HandlerFunc) error

	// RegisterEntryHandler registers the on-enter handler of a stage
	RegisterEntryHandler(workflowType, stage string, handler HandlerFunc) error

	// Dispatch invokes the handler synchronously and returns its patch
	Dispatch(ctx context.Context, workflowType, action string, instance InstanceView, data map[string]interface{}) (Patch, error)

	// HasHandler reports whether a handler is registered for the pair
	HasHandler(workflowType, action string) bool

	// ListHandlers returns registered handlers for a workflow type
	ListHandlers(workflowType string) []HandlerInfo

	// Close rejects further dispatches
	Close() error
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type handlerKey struct {
	workflowType string
	action       string
}

// actionDispatcher is the concrete implementation of Dispatcher
type actionDispatcher struct {
	mu       sync.RWMutex
	handlers map[handlerKey]HandlerInfo
	logger   Logger
	closed   atomic.Bool
}

// Option configures the dispatcher
type Option func(*actionDispatcher)

// WithLogger sets a logger for the dispatcher
func WithLogger(logger Logger) Option {
	return func(d *actionDispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a new action dispatcher
func NewDispatcher(opts ...Option) Dispatcher {
	d := &actionDispatcher{
		handlers: make(map[handlerKey]HandlerInfo),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// RegisterHandler registers a handler, failing on a duplicate pair
func (d *actionDispatcher) RegisterHandler(workflowType, action string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s/%s", workflowType, action)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := handlerKey{workflowType: workflowType, action: action}
	if _, exists := d.handlers[key]; exists {
		return fmt.Errorf("%w: %s/%s", workflow.ErrDuplicateHandler, workflowType, action)
	}

	d.handlers[key] = HandlerInfo{
		WorkflowType: workflowType,
		Action:       action,
		Handler:      handler,
	}

	if d.logger != nil {
		d.logger.Info("Handler registered",
			"workflow_type", workflowType,
			"action", action,
		)
	}

	return nil
}

// RegisterEntryHandler registers a handler under the stage's reserved entry action
func (d *actionDispatcher) RegisterEntryHandler(workflowType, stage string, handler HandlerFunc) error {
	return d.RegisterHandler(workflowType, workflow.EntryAction(stage), handler)
}

// Dispatch looks up and invokes the handler in the caller's goroutine
func (d *actionDispatcher) Dispatch(ctx context.Context, workflowType, action string, instance InstanceView, data map[string]interface{}) (Patch, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("dispatcher is closed")
	}

	d.mu.RLock()
	info, ok := d.handlers[handlerKey{workflowType: workflowType, action: action}]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s/%s", workflow.ErrUnknownAction, workflowType, action)
	}

	patch, err := d.safeExecute(ctx, info, instance, data)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("Handler error",
				"workflow_type", workflowType,
				"action", action,
				"instance_id", instance.ID(),
				"error", err,
			)
		}
		return nil, workflow.NewHandlerFailed(err)
	}
	if patch == nil {
		patch = Patch{}
	}

	return patch, nil
}

// HasHandler reports whether a handler is registered for the pair
func (d *actionDispatcher) HasHandler(workflowType, action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.handlers[handlerKey{workflowType: workflowType, action: action}]
	return ok
}

// ListHandlers returns registered handlers for a workflow type sorted by action
func (d *actionDispatcher) ListHandlers(workflowType string) []HandlerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]HandlerInfo, 0)
	for key, h := range d.handlers {
		if key.workflowType != workflowType {
			continue
		}
		result = append(result, HandlerInfo{
			WorkflowType: h.WorkflowType,
			Action:       h.Action,
			Description:  h.Description,
			// Note: Handler function is not copied to avoid exposing internal details
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Action < result[j].Action
	})

	return result
}

// Close shuts down the dispatcher
func (d *actionDispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already closed")
	}

	if d.logger != nil {
		d.logger.Info("Dispatcher closed")
	}

	return nil
}

// safeExecute runs a handler with panic recovery
func (d *actionDispatcher) safeExecute(ctx context.Context, info HandlerInfo, instance InstanceView, data map[string]interface{}) (patch Patch, err error) {
	defer func() {
		if r := recover(); r != nil {
			patch = nil
			err = fmt.Errorf("handler panic: %v", r)
			if d.logger != nil {
				d.logger.Error("Handler panic recovered",
					"workflow_type", info.WorkflowType,
					"action", info.Action,
					"panic", r,
				)
			}
		}
	}()

	return info.Handler(ctx, instance, data)
}
