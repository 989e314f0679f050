// Package hooks lets callers subscribe to pipeline lifecycle events.
// Dispatch is synchronous and in registration order; a panicking or failing
// subscriber is recorded and skipped, never allowed to abort the pipeline.
package hooks

import (
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Event is a single pipeline lifecycle notification.
type Event struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	BatchID   string         `json:"batch_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Hook handles one event. A returned error is recorded but does not stop
// dispatch to later hooks.
type Hook func(Event) error

// HookError records one failed hook invocation.
type HookError struct {
	HookName  string    `json:"hook_name"`
	EventType string    `json:"event_type"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

var validEvents = map[string]bool{
	"entity_created":    true,
	"entity_merged":     true,
	"entity_updated":    true,
	"operation_applied": true,
	"operation_failed":  true,
	"operation_skipped": true,
	"batch_start":       true,
	"batch_complete":    true,
	"session_start":     true,
	"session_complete":  true,
	"session_failed":    true,
	"question_created":  true,
	"question_answered": true,
}

// ValidEvents returns the known event types, sorted.
func ValidEvents() []string {
	events := make([]string, 0, len(validEvents))
	for e := range validEvents {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}

type namedHook struct {
	name string
	fn   Hook
}

// Registry holds subscribers per event type. Not safe for concurrent use;
// the pipeline is single-threaded.
type Registry struct {
	hooks        map[string][]namedHook
	errors       []HookError
	errorHandler func(HookError)
}

// NewRegistry creates an empty registry. The optional error handler is
// invoked for every failed hook in addition to the internal error record.
func NewRegistry(errorHandler func(HookError)) *Registry {
	return &Registry{
		hooks:        make(map[string][]namedHook),
		errorHandler: errorHandler,
	}
}

// Register subscribes a named hook to an event type.
func (r *Registry) Register(eventType, name string, fn Hook) error {
	if !validEvents[eventType] {
		return eris.Errorf("hooks: unknown event type %q", eventType)
	}
	r.hooks[eventType] = append(r.hooks[eventType], namedHook{name: name, fn: fn})
	return nil
}

// Unregister removes the named hook from an event type and reports whether
// it was found.
func (r *Registry) Unregister(eventType, name string) bool {
	list := r.hooks[eventType]
	for i, h := range list {
		if h.name == name {
			r.hooks[eventType] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Emit dispatches the event to its subscribers in registration order.
// Failures (errors or panics) are recorded and dispatch continues.
func (r *Registry) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, h := range r.hooks[event.Type] {
		if err := r.call(h, event); err != nil {
			hookErr := HookError{
				HookName:  h.name,
				EventType: event.Type,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			}
			r.errors = append(r.errors, hookErr)
			zap.L().Warn("hook failed",
				zap.String("hook", h.name),
				zap.String("event", event.Type),
				zap.Error(err),
			)
			if r.errorHandler != nil {
				r.safeHandle(hookErr)
			}
		}
	}
}

func (r *Registry) call(h namedHook, event Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.New(fmt.Sprintf("hook panic: %v", p))
		}
	}()
	return h.fn(event)
}

func (r *Registry) safeHandle(hookErr HookError) {
	defer func() { recover() }()
	r.errorHandler(hookErr)
}

// EmitSimple builds and emits an event in one call.
func (r *Registry) EmitSimple(eventType string, data map[string]any, batchID, sessionID string) {
	r.Emit(Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		BatchID:   batchID,
		SessionID: sessionID,
	})
}

// Errors returns recorded hook failures, oldest first.
func (r *Registry) Errors() []HookError {
	return append([]HookError(nil), r.errors...)
}

// ClearErrors drops the failure history.
func (r *Registry) ClearErrors() {
	r.errors = nil
}

// Count returns the total number of registered hooks.
func (r *Registry) Count() int {
	n := 0
	for _, list := range r.hooks {
		n += len(list)
	}
	return n
}
