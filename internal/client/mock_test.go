package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonmumm/actor-kit/internal/actor"
	"github.com/jonmumm/actor-kit/internal/apperr"
)

func TestMockClient_ProduceNotifiesListeners(t *testing.T) {
	m := NewMockClient(&actor.CallerSnapshot{
		Public:  map[string]any{"todos": []any{}},
		Private: map[string]any{},
		Value:   "ready",
	})

	var seen []actor.CallerSnapshot
	unsubscribe := m.Subscribe(func(s actor.CallerSnapshot) {
		seen = append(seen, s)
	})
	defer unsubscribe()

	m.Produce(func(s *actor.CallerSnapshot) {
		s.Public["todos"] = append(s.Public["todos"].([]any), map[string]any{"text": "a"})
	})

	require.Len(t, seen, 1)
	assert.Len(t, seen[0].Public["todos"], 1)
	assert.Len(t, m.GetState().Public["todos"], 1)
}

func TestMockClient_SendRecordsAndHooks(t *testing.T) {
	m := NewMockClient(nil)

	var hooked []map[string]any
	m.OnSend = func(event map[string]any) {
		hooked = append(hooked, event)
	}

	require.NoError(t, m.Send(map[string]any{"type": "ADD_TODO", "text": "a"}))
	require.NoError(t, m.Send(map[string]any{"type": "ADD_TODO", "text": "b"}))

	assert.Len(t, m.Sent(), 2)
	require.Len(t, hooked, 2)
	assert.Equal(t, "b", hooked[1]["text"])
}

func TestMockClient_WaitFor(t *testing.T) {
	m := NewMockClient(nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Produce(func(s *actor.CallerSnapshot) {
			s.Value = "done"
		})
	}()

	err := m.WaitFor(func(s actor.CallerSnapshot) bool { return s.Value == "done" }, 2*time.Second)
	assert.NoError(t, err)
}

func TestMockClient_WaitForTimeout(t *testing.T) {
	m := NewMockClient(nil)

	err := m.WaitFor(func(actor.CallerSnapshot) bool { return false }, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrCodeWaitTimeout))
}

func TestMockClient_ConnectDisconnectAreNoOps(t *testing.T) {
	m := NewMockClient(nil)
	assert.NoError(t, m.Connect())
	m.Disconnect()
	assert.NoError(t, m.Send(map[string]any{"type": "PING"}))
}
