package actor

import (
	"encoding/json"
	"fmt"

	"github.com/jonmumm/actor-kit/internal/patch"
)

// Context is the machine context split into a public half observable by every
// caller and per-caller private halves.
//
// The invariant: any field placed in Public is observable by every caller;
// fields keyed by caller id inside Private are observable only by that caller.
type Context struct {
	Public  map[string]any            `json:"public"`
	Private map[string]map[string]any `json:"private"`
}

// Snapshot is the full machine state. Snapshots never ship to clients
// directly; only per-caller projections do.
type Snapshot struct {
	// Value is the hierarchical state value: a plain string for a flat
	// state, or nested objects for compound/parallel states.
	Value any `json:"value"`

	// Context holds the public/private machine context.
	Context Context `json:"context"`

	// Status mirrors the machine's run status ("active", "done", ...).
	Status string `json:"status,omitempty"`
}

// Clone returns a deep copy of the snapshot via a JSON round-trip.
func (s Snapshot) Clone() Snapshot {
	data, err := json.Marshal(s)
	if err != nil {
		// A snapshot that survived Marshal once cannot fail here.
		panic(fmt.Sprintf("snapshot clone: %v", err))
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("snapshot clone: %v", err))
	}
	if out.Context.Public == nil {
		out.Context.Public = map[string]any{}
	}
	if out.Context.Private == nil {
		out.Context.Private = map[string]map[string]any{}
	}
	return out
}

// SpawnProps are the persisted birth parameters of an actor. They are written
// on first spawn so the actor can rehydrate on cold start.
type SpawnProps struct {
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId"`
	InitialCaller Caller         `json:"initialCaller"`
	Input         map[string]any `json:"input"`
}

// Listener observes machine snapshot changes.
type Listener func(Snapshot)

// Machine is the contract the host consumes from the state-machine engine.
// Hierarchy, guards, parallel regions and the transition logic itself are
// properties of the engine, not the host.
type Machine interface {
	// Start brings the machine up. A nil snapshot means a fresh start from
	// the machine's initial state; a non-nil snapshot restores prior state
	// (migrations have already been applied by the host).
	Start(snapshot *Snapshot) error

	// Send applies one event. The host serializes calls; Send is never
	// invoked concurrently.
	Send(event Event) error

	// Snapshot returns the current full machine state.
	Snapshot() Snapshot

	// Subscribe registers a listener invoked on machine-initiated state
	// changes (delayed transitions, internal timers). The returned function
	// unsubscribes.
	Subscribe(fn Listener) (unsubscribe func())
}

// Migrator is an optional Machine capability. When implemented, the returned
// operations are applied to the persisted snapshot before Start so old
// snapshots can be reshaped to the current context layout.
type Migrator interface {
	Migrations() []patch.Operation
}

// EventValidator is an optional Machine capability validating client and
// service event payloads against the machine's schemas. Events failing
// validation are rejected with BAD_EVENT and never enqueued.
type EventValidator interface {
	ValidateEvent(event Event) error
}

// MachineFactory constructs a machine for an actor address. The registry
// holds one factory per actor type.
type MachineFactory func(props SpawnProps) (Machine, error)
