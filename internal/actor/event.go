package actor

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/jonmumm/actor-kit/internal/patch"
)

// System event types. These are synthesized by the host and never accepted
// from the wire.
const (
	EventInitialize = "INITIALIZE"
	EventResume     = "RESUME"
	EventConnect    = "CONNECT"
	EventDisconnect = "DISCONNECT"
	EventMigrate    = "MIGRATE"
)

var systemEventTypes = map[string]bool{
	EventInitialize: true,
	EventResume:     true,
	EventConnect:    true,
	EventDisconnect: true,
	EventMigrate:    true,
}

// validate is the singleton validator instance for event envelopes.
var validate = validator.New()

// RequestInfo carries transport metadata stamped onto wire events.
type RequestInfo struct {
	RemoteAddr string `json:"remoteAddr,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// Event is the envelope processed by a machine. On the wire an event is a
// flat object `{type, ...payload}`; the caller is attached by the host and
// never trusted from the payload.
type Event struct {
	Type        string         `json:"type" validate:"required,min=1"`
	Payload     map[string]any `json:"-"`
	Caller      Caller         `json:"caller"`
	RequestInfo *RequestInfo   `json:"requestInfo,omitempty"`
}

// MarshalJSON flattens the payload next to the envelope fields.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["caller"] = e.Caller
	if e.RequestInfo != nil {
		out["requestInfo"] = e.RequestInfo
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat wire form back into envelope and payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"]; ok {
		if err := json.Unmarshal(t, &e.Type); err != nil {
			return fmt.Errorf("event type must be a string: %w", err)
		}
	}
	if c, ok := raw["caller"]; ok {
		if err := json.Unmarshal(c, &e.Caller); err != nil {
			return fmt.Errorf("malformed caller: %w", err)
		}
	}
	if ri, ok := raw["requestInfo"]; ok {
		e.RequestInfo = &RequestInfo{}
		if err := json.Unmarshal(ri, e.RequestInfo); err != nil {
			return fmt.Errorf("malformed requestInfo: %w", err)
		}
	}
	e.Payload = map[string]any{}
	for k, v := range raw {
		if k == "type" || k == "caller" || k == "requestInfo" {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		e.Payload[k] = val
	}
	return nil
}

// DecodeWireEvent parses an event received from a client or service. The
// caller field is stripped: the authoritative caller is attached by the host
// after token verification. System event types are rejected outright.
func DecodeWireEvent(data []byte, caller Caller) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("malformed event: %w", err)
	}
	if err := validate.Struct(&ev); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if systemEventTypes[ev.Type] {
		return Event{}, fmt.Errorf("event type %s is reserved for the host", ev.Type)
	}
	if caller.Type == CallerSystem {
		return Event{}, fmt.Errorf("system callers are never accepted from the wire")
	}
	ev.Caller = caller
	return ev, nil
}

// System event constructors. The system caller's id is the actor id; the host
// is the only source of these events.

func systemCaller(actorID string) Caller {
	return Caller{Type: CallerSystem, ID: actorID}
}

// NewInitializeEvent marks the first-ever start of an actor.
func NewInitializeEvent(actorID string, input map[string]any) Event {
	payload := map[string]any{}
	if len(input) > 0 {
		payload["input"] = input
	}
	return Event{Type: EventInitialize, Payload: payload, Caller: systemCaller(actorID)}
}

// NewResumeEvent marks a rehydrated start from a persisted snapshot.
func NewResumeEvent(actorID string) Event {
	return Event{Type: EventResume, Payload: map[string]any{}, Caller: systemCaller(actorID)}
}

// NewConnectEvent announces a subscriber attach.
func NewConnectEvent(actorID string, connecting Caller) Event {
	return Event{
		Type:    EventConnect,
		Payload: map[string]any{"connectingCaller": connecting},
		Caller:  systemCaller(actorID),
	}
}

// NewDisconnectEvent announces a subscriber detach.
func NewDisconnectEvent(actorID string, disconnecting Caller) Event {
	return Event{
		Type:    EventDisconnect,
		Payload: map[string]any{"disconnectingCaller": disconnecting},
		Caller:  systemCaller(actorID),
	}
}

// NewMigrateEvent carries the migration operations applied during rehydration.
func NewMigrateEvent(actorID string, operations []patch.Operation) Event {
	return Event{
		Type:    EventMigrate,
		Payload: map[string]any{"operations": operations},
		Caller:  systemCaller(actorID),
	}
}
