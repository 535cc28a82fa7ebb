// Package storage provides persistence backends for actor state.
//
// Per actor, the store keeps five whole-value keys: actorType, actorId,
// initialCaller (JSON), input (JSON) and persistedSnapshot (JSON). Birth
// parameters are written once at spawn; snapshots are overwritten after each
// step that changes them. Reads happen only on host construction, writes only
// from the owning host's executor.
package storage

import (
	"context"
	"encoding/json"
)

// Record is the persisted state of one actor.
type Record struct {
	ActorType     string          `json:"actorType"`
	ActorID       string          `json:"actorId"`
	InitialCaller json.RawMessage `json:"initialCaller,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Snapshot      json.RawMessage `json:"persistedSnapshot,omitempty"`
}

// Store is the persistence interface consumed by the actor host.
type Store interface {
	// Load returns the record for an actor, or nil when none exists.
	Load(ctx context.Context, actorType, actorID string) (*Record, error)

	// Save writes the actor's birth parameters (and snapshot, when present)
	// as a whole record.
	Save(ctx context.Context, rec *Record) error

	// SaveSnapshot overwrites only the persisted snapshot key.
	SaveSnapshot(ctx context.Context, actorType, actorID string, snapshot []byte) error

	// Delete removes the actor's record.
	Delete(ctx context.Context, actorType, actorID string) error

	// Close releases backend resources.
	Close() error
}
