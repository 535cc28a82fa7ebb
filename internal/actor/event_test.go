package actor

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWireEvent_StampsCallerAndStripsWireCaller(t *testing.T) {
	caller := Caller{Type: CallerClient, ID: uuid.NewString()}
	// The wire payload claims to be someone else; the claim must be discarded.
	raw := []byte(`{"type":"ADD_TODO","text":"a","caller":{"type":"service","id":"impostor"}}`)

	ev, err := DecodeWireEvent(raw, caller)
	require.NoError(t, err)

	assert.Equal(t, "ADD_TODO", ev.Type)
	assert.Equal(t, caller, ev.Caller)
	assert.Equal(t, "a", ev.Payload["text"])
	_, leaked := ev.Payload["caller"]
	assert.False(t, leaked)
}

func TestDecodeWireEvent_RejectsMissingType(t *testing.T) {
	caller := Caller{Type: CallerClient, ID: uuid.NewString()}
	_, err := DecodeWireEvent([]byte(`{"text":"a"}`), caller)
	assert.Error(t, err)
}

func TestDecodeWireEvent_RejectsSystemEventTypes(t *testing.T) {
	caller := Caller{Type: CallerClient, ID: uuid.NewString()}
	for _, typ := range []string{EventInitialize, EventResume, EventConnect, EventDisconnect, EventMigrate} {
		_, err := DecodeWireEvent([]byte(`{"type":"`+typ+`"}`), caller)
		assert.Error(t, err, "type %s must be reserved", typ)
	}
}

func TestDecodeWireEvent_RejectsSystemCaller(t *testing.T) {
	caller := Caller{Type: CallerSystem, ID: uuid.NewString()}
	_, err := DecodeWireEvent([]byte(`{"type":"ADD_TODO"}`), caller)
	assert.Error(t, err)
}

func TestEvent_MarshalFlattensPayload(t *testing.T) {
	caller := Caller{Type: CallerClient, ID: uuid.NewString()}
	ev := Event{
		Type:    "ADD_TODO",
		Payload: map[string]any{"text": "a"},
		Caller:  caller,
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "ADD_TODO", flat["type"])
	assert.Equal(t, "a", flat["text"])
	assert.NotNil(t, flat["caller"])
}

func TestEvent_MarshalUnmarshalRoundTrip(t *testing.T) {
	caller := Caller{Type: CallerService, ID: uuid.NewString()}
	ev := Event{
		Type:        "SYNC",
		Payload:     map[string]any{"cursor": "abc", "limit": float64(10)},
		Caller:      caller,
		RequestInfo: &RequestInfo{RemoteAddr: "10.0.0.1:1234", RequestID: "req-1"},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Caller, got.Caller)
	assert.Equal(t, ev.Payload, got.Payload)
	require.NotNil(t, got.RequestInfo)
	assert.Equal(t, "req-1", got.RequestInfo.RequestID)
}

func TestParseCaller(t *testing.T) {
	id := uuid.NewString()

	c, err := ParseCaller("client-" + id)
	require.NoError(t, err)
	assert.Equal(t, Caller{Type: CallerClient, ID: id}, c)

	c, err = ParseCaller("client-anonymous")
	require.NoError(t, err)
	assert.Equal(t, AnonymousCallerID, c.ID)

	_, err = ParseCaller("service-anonymous")
	assert.Error(t, err)

	_, err = ParseCaller("nosuchtype-" + id)
	assert.Error(t, err)

	_, err = ParseCaller("client")
	assert.Error(t, err)
}

func TestStateMatches(t *testing.T) {
	assert.True(t, stateMatches("ready", "ready"))
	assert.False(t, stateMatches("ready", "loading"))

	nested := map[string]any{"loading": map[string]any{"items": "fetching"}}
	assert.True(t, stateMatches(nested, "loading"))
	assert.True(t, stateMatches(nested, "loading.items"))
	assert.True(t, stateMatches(nested, "loading.items.fetching"))
	assert.False(t, stateMatches(nested, "done"))
	assert.False(t, stateMatches(nested, "loading.other"))
	assert.False(t, stateMatches(nil, "ready"))
}
