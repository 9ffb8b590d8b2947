package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	name     string
	priority int
	err      error
	log      *[]string
}

func (l *recordingListener) OnEvent(_ context.Context, event HookEvent) error {
	*l.log = append(*l.log, l.name+":"+string(event.Type()))
	return l.err
}

func (l *recordingListener) Priority() int { return l.priority }

func TestHookManager_PriorityOrder(t *testing.T) {
	m := NewHookManager(nil)
	var log []string

	m.Register(EventPreStepSolve, &recordingListener{name: "late", priority: 10, log: &log})
	m.Register(EventPreStepSolve, &recordingListener{name: "early", priority: 1, log: &log})
	m.Register(EventPreStepSolve, &recordingListener{name: "middle", priority: 5, log: &log})

	err := m.Trigger(context.Background(), NewPreStepSolveEvent(StepPayload{Timestep: 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"early:PreStepSolve", "middle:PreStepSolve", "late:PreStepSolve"}, log)
}

func TestHookManager_PreHookErrorCancels(t *testing.T) {
	m := NewHookManager(nil)
	var log []string
	boom := errors.New("stabilization rejected the step")

	m.Register(EventPreStepSolve, &recordingListener{name: "veto", priority: 1, err: boom, log: &log})
	m.Register(EventPreStepSolve, &recordingListener{name: "after", priority: 2, log: &log})

	err := m.Trigger(context.Background(), NewPreStepSolveEvent(StepPayload{}))
	require.ErrorIs(t, err, boom, "pre-hook errors must propagate")
	assert.Equal(t, []string{"veto:PreStepSolve"}, log, "later listeners must not run after a veto")
}

func TestHookManager_PostHookErrorIsSwallowed(t *testing.T) {
	m := NewHookManager(nil)
	var log []string

	m.Register(EventPostStepSolve, &recordingListener{name: "broken", priority: 1, err: errors.New("diag failed"), log: &log})
	m.Register(EventPostStepSolve, &recordingListener{name: "next", priority: 2, log: &log})

	err := m.Trigger(context.Background(), NewPostStepSolveEvent(StepPayload{}))
	require.NoError(t, err, "post-hook errors must not fail the operation")
	assert.Len(t, log, 2, "all post listeners run despite earlier errors")
}

func TestHookManager_NoListenersIsNoop(t *testing.T) {
	m := NewHookManager(nil)
	require.NoError(t, m.Trigger(context.Background(), NewPostRefineEvent(RefinePayload{})))
}
