package hooks

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_UnknownEvent(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register("entity_destroyed", "h", func(Event) error { return nil })
	assert.Error(t, err)
	assert.Zero(t, r.Count())
}

func TestEmit_InOrder(t *testing.T) {
	r := NewRegistry(nil)
	var order []string
	require.NoError(t, r.Register("entity_created", "first", func(Event) error {
		order = append(order, "first")
		return nil
	}))
	require.NoError(t, r.Register("entity_created", "second", func(Event) error {
		order = append(order, "second")
		return nil
	}))

	r.EmitSimple("entity_created", map[string]any{"entity_name": "Acme"}, "b1", "s1")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmit_FailuresDoNotStopDispatch(t *testing.T) {
	var handled []HookError
	r := NewRegistry(func(e HookError) { handled = append(handled, e) })

	called := false
	require.NoError(t, r.Register("batch_complete", "bad", func(Event) error {
		return eris.New("boom")
	}))
	require.NoError(t, r.Register("batch_complete", "panicky", func(Event) error {
		panic("very boom")
	}))
	require.NoError(t, r.Register("batch_complete", "good", func(Event) error {
		called = true
		return nil
	}))

	r.EmitSimple("batch_complete", nil, "b1", "")

	assert.True(t, called)
	require.Len(t, r.Errors(), 2)
	assert.Equal(t, "bad", r.Errors()[0].HookName)
	assert.Equal(t, "batch_complete", r.Errors()[0].EventType)
	assert.Contains(t, r.Errors()[1].Error, "very boom")
	assert.Len(t, handled, 2)

	r.ClearErrors()
	assert.Empty(t, r.Errors())
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil)
	fired := 0
	require.NoError(t, r.Register("session_start", "h", func(Event) error {
		fired++
		return nil
	}))

	assert.True(t, r.Unregister("session_start", "h"))
	assert.False(t, r.Unregister("session_start", "h"))

	r.EmitSimple("session_start", nil, "", "s1")
	assert.Zero(t, fired)
}

func TestEmit_UnsubscribedEventIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	r.EmitSimple("operation_applied", map[string]any{"op_id": int64(1)}, "b", "")
	assert.Empty(t, r.Errors())
}

func TestValidEvents_Sorted(t *testing.T) {
	events := ValidEvents()
	assert.Contains(t, events, "entity_merged")
	assert.Contains(t, events, "question_answered")
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1], events[i])
	}
}
