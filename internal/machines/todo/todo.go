// Package todo provides a small owner-guarded todo-list machine. It is the
// reference machine wired into the server binary and exercised by the
// runtime's tests: a flat state value, a public todos list writable only by
// the owning caller, and per-caller private context.
package todo

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jonmumm/actor-kit/internal/actor"
)

// Event types accepted from clients.
const (
	EventAddTodo    = "ADD_TODO"
	EventToggleTodo = "TOGGLE_TODO"
	EventDeleteTodo = "DELETE_TODO"
)

// Machine is an actor.Machine implementation. The host serializes Send calls;
// the internal mutex only covers Snapshot reads racing teardown.
type Machine struct {
	props actor.SpawnProps

	mu        sync.Mutex
	snapshot  actor.Snapshot
	listeners map[int]actor.Listener
	nextID    int
}

// New is the actor.MachineFactory for the "todo" actor type.
func New(props actor.SpawnProps) (actor.Machine, error) {
	return &Machine{
		props:     props,
		listeners: make(map[int]actor.Listener),
	}, nil
}

// Start brings the machine up, fresh or from a restored snapshot.
func (m *Machine) Start(snapshot *actor.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot != nil {
		m.snapshot = snapshot.Clone()
		return nil
	}
	m.snapshot = actor.Snapshot{
		Value: "ready",
		Context: actor.Context{
			Public: map[string]any{
				"ownerId": m.props.InitialCaller.ID,
				"todos":   []any{},
			},
			Private: map[string]map[string]any{},
		},
		Status: "active",
	}
	return nil
}

// ValidateEvent checks client event payloads before they are enqueued.
func (m *Machine) ValidateEvent(event actor.Event) error {
	switch event.Type {
	case EventAddTodo:
		text, ok := event.Payload["text"].(string)
		if !ok || text == "" {
			return fmt.Errorf("ADD_TODO requires a non-empty text field")
		}
	case EventToggleTodo, EventDeleteTodo:
		if id, ok := event.Payload["id"].(string); !ok || id == "" {
			return fmt.Errorf("%s requires an id field", event.Type)
		}
	case actor.EventInitialize, actor.EventResume, actor.EventConnect,
		actor.EventDisconnect, actor.EventMigrate:
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	return nil
}

// Send applies one event. Writes are guarded: only the owner mutates the
// list; events from other callers fall through without a transition.
func (m *Machine) Send(event actor.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case actor.EventInitialize, actor.EventResume, actor.EventMigrate,
		actor.EventConnect, actor.EventDisconnect:
		return nil
	}

	if event.Caller.ID != m.ownerID() {
		// Guard: non-owners cannot mutate; not an error, just no transition.
		return nil
	}

	switch event.Type {
	case EventAddTodo:
		text, _ := event.Payload["text"].(string)
		m.snapshot.Context.Public["todos"] = append(m.todos(), map[string]any{
			"id":        uuid.NewString(),
			"text":      text,
			"completed": false,
		})
	case EventToggleTodo:
		id, _ := event.Payload["id"].(string)
		todos := m.todos()
		for _, entry := range todos {
			todo, ok := entry.(map[string]any)
			if !ok || todo["id"] != id {
				continue
			}
			completed, _ := todo["completed"].(bool)
			todo["completed"] = !completed
		}
		m.snapshot.Context.Public["todos"] = todos
	case EventDeleteTodo:
		id, _ := event.Payload["id"].(string)
		kept := []any{}
		for _, entry := range m.todos() {
			if todo, ok := entry.(map[string]any); ok && todo["id"] == id {
				continue
			}
			kept = append(kept, entry)
		}
		m.snapshot.Context.Public["todos"] = kept
	}
	return nil
}

// Snapshot returns a copy of the current full machine state.
func (m *Machine) Snapshot() actor.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Clone()
}

// Subscribe registers a listener for machine-initiated changes. The todo
// machine has no internal timers, so listeners only matter for teardown
// symmetry.
func (m *Machine) Subscribe(fn actor.Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Machine) ownerID() string {
	owner, _ := m.snapshot.Context.Public["ownerId"].(string)
	return owner
}

func (m *Machine) todos() []any {
	todos, _ := m.snapshot.Context.Public["todos"].([]any)
	return todos
}
