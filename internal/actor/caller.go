// Package actor implements the actor host: addressable, persistent
// state-machine actors with a single-threaded event loop, snapshot
// persistence, per-caller projections and WebSocket fan-out of JSON-patch
// deltas.
package actor

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CallerType identifies the kind of event source.
type CallerType string

const (
	// CallerClient is an end user; its id is a UUID or the literal "anonymous".
	CallerClient CallerType = "client"

	// CallerService is a trusted backend; its id is a UUID.
	CallerService CallerType = "service"

	// CallerSystem is synthesized by the host. System callers are never
	// accepted from the wire.
	CallerSystem CallerType = "system"
)

// AnonymousCallerID is the literal id carried by anonymous clients.
const AnonymousCallerID = "anonymous"

// Caller is the subject of every event.
type Caller struct {
	Type CallerType `json:"type"`
	ID   string     `json:"id"`
}

// String serializes the caller as "<type>-<id>".
func (c Caller) String() string {
	return fmt.Sprintf("%s-%s", c.Type, c.ID)
}

// Validate checks the caller's shape: a known type, and an id that is a UUID
// (or "anonymous", for clients only).
func (c Caller) Validate() error {
	switch c.Type {
	case CallerClient:
		if c.ID == AnonymousCallerID {
			return nil
		}
	case CallerService, CallerSystem:
	default:
		return fmt.Errorf("unknown caller type %q", c.Type)
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return fmt.Errorf("caller id %q is not a UUID: %w", c.ID, err)
	}
	return nil
}

// ParseCaller parses a "<type>-<id>" subject string. The id portion may itself
// contain dashes (UUIDs do), so only the first dash separates type from id.
func ParseCaller(s string) (Caller, error) {
	idx := strings.Index(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return Caller{}, fmt.Errorf("malformed caller subject %q", s)
	}
	c := Caller{
		Type: CallerType(s[:idx]),
		ID:   s[idx+1:],
	}
	if err := c.Validate(); err != nil {
		return Caller{}, err
	}
	return c, nil
}

// Address identifies an actor across the fleet.
type Address struct {
	// ActorType is a kebab-case type name, e.g. "todo".
	ActorType string `json:"actorType"`

	// ActorID is the instance id within the type.
	ActorID string `json:"actorId"`
}

// String renders the address as "<actorType>/<actorId>".
func (a Address) String() string {
	return a.ActorType + "/" + a.ActorID
}
