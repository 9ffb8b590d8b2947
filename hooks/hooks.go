// Package hooks provides the extension points of the solver: typed events
// fired immediately before and after per-step nonlinear solves, around
// adaptive iterations, and as dual states and refined meshes are produced.
// Having no listener registered is valid; every trigger is then a no-op.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dwrlab/goadapt/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Step lifecycle: fired by the time-step orchestrator around every
	// nonlinear solve. PreStepSolve listeners can cancel the step by
	// returning an error (solver-specific stabilization hooks live here).
	EventPreStepSolve  EventType = "PreStepSolve"
	EventPostStepSolve EventType = "PostStepSolve"

	// Adaptive lifecycle: fired by the controller around each adaptive
	// iteration and after each mesh refinement.
	EventPreAdaptIteration  EventType = "PreAdaptIteration"
	EventPostAdaptIteration EventType = "PostAdaptIteration"
	EventPostRefine         EventType = "PostRefine"

	// Dual sweep: fired for every dual state as it is produced, in reverse
	// time order.
	EventPostDualState EventType = "PostDualState"
)

// HookEvent is the interface all event objects implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// StepPayload carries the step context for Pre/PostStepSolve events. State is
// the previous step's solution for PreStepSolve and the fresh solution for
// PostStepSolve.
type StepPayload struct {
	Timestep int
	Time     float64
	K        float64
	State    core.State
}

// NewPreStepSolveEvent creates the event fired before a per-step solve.
func NewPreStepSolveEvent(payload StepPayload) HookEvent {
	return &BaseEvent{eventType: EventPreStepSolve, payload: payload}
}

// NewPostStepSolveEvent creates the event fired after a per-step solve.
func NewPostStepSolveEvent(payload StepPayload) HookEvent {
	return &BaseEvent{eventType: EventPostStepSolve, payload: payload}
}

// AdaptIterationPayload carries the adaptive-loop context.
type AdaptIterationPayload struct {
	Iteration  int
	CellCount  int
	Functional float64
	Metric     float64
}

// NewPreAdaptIterationEvent creates the event fired before an adaptive iteration.
func NewPreAdaptIterationEvent(payload AdaptIterationPayload) HookEvent {
	return &BaseEvent{eventType: EventPreAdaptIteration, payload: payload}
}

// NewPostAdaptIterationEvent creates the event fired after an adaptive iteration.
func NewPostAdaptIterationEvent(payload AdaptIterationPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAdaptIteration, payload: payload}
}

// DualStatePayload carries one dual state as the reverse sweep produces it.
type DualStatePayload struct {
	Timestep int
	Time     float64
	Dual     core.State
}

// NewPostDualStateEvent creates the event fired for each dual state.
func NewPostDualStateEvent(payload DualStatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDualState, payload: payload}
}

// RefinePayload describes a completed mesh refinement.
type RefinePayload struct {
	MarkedCells int
	CellsBefore int
	CellsAfter  int
	Threshold   float64
}

// NewPostRefineEvent creates the event fired after a mesh refinement.
func NewPostRefineEvent(payload RefinePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRefine, payload: payload}
}

// HookListener is implemented by components that want to observe or veto
// solver events.
type HookListener interface {
	// OnEvent is called when a registered event fires. Returning an error
	// from a "Pre" event cancels the operation; errors from "Post" events
	// are logged and do not affect the run.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority orders listeners for the same event. Lower runs first.
	Priority() int
}

// HookManager registers listeners and fires events. The solver core is
// single-threaded, so listeners always run synchronously, in priority order,
// on the calling goroutine.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	Trigger(ctx context.Context, event HookEvent) error
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for an event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for an event in priority order. A
// listener error on a "Pre" event aborts and is returned; errors on "Post"
// events are logged and swallowed.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		if err := item.listener.OnEvent(ctx, event); err != nil {
			if isPreHook {
				return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
			}
			m.logger.Error("error from post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
		}
	}
	return nil
}
