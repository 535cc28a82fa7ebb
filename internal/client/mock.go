package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonmumm/actor-kit/internal/actor"
	"github.com/jonmumm/actor-kit/internal/apperr"
)

// MockClient mirrors the Client surface without touching the network. Test
// harnesses drive state with Produce and observe outbound events via OnSend.
type MockClient struct {
	// OnSend receives every event passed to Send.
	OnSend func(event map[string]any)

	mu        sync.Mutex
	state     actor.CallerSnapshot
	listeners map[int]func(actor.CallerSnapshot)
	nextID    int
	sent      []map[string]any
}

// NewMockClient creates a mock seeded with an initial snapshot.
func NewMockClient(initial *actor.CallerSnapshot) *MockClient {
	m := &MockClient{listeners: make(map[int]func(actor.CallerSnapshot))}
	if initial != nil {
		m.state = *initial
	} else {
		m.state = actor.CallerSnapshot{Public: map[string]any{}, Private: map[string]any{}}
	}
	return m
}

// Connect is a no-op.
func (m *MockClient) Connect() error { return nil }

// Disconnect is a no-op.
func (m *MockClient) Disconnect() {}

// Send records the event and invokes the OnSend hook.
func (m *MockClient) Send(event map[string]any) error {
	m.mu.Lock()
	m.sent = append(m.sent, event)
	hook := m.OnSend
	m.mu.Unlock()
	if hook != nil {
		hook(event)
	}
	return nil
}

// Sent returns every event recorded by Send.
func (m *MockClient) Sent() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.sent))
	copy(out, m.sent)
	return out
}

// GetState returns the current local snapshot.
func (m *MockClient) GetState() actor.CallerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a local listener; the returned function unsubscribes.
func (m *MockClient) Subscribe(fn func(actor.CallerSnapshot)) func() {
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

// Produce applies an in-place mutator to the local snapshot and notifies
// listeners, standing in for a server-sent patch.
func (m *MockClient) Produce(recipe func(*actor.CallerSnapshot)) {
	m.mu.Lock()
	recipe(&m.state)
	next := m.state
	listeners := make([]func(actor.CallerSnapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

// WaitFor resolves once predicate(state) is true, or fails with WAIT_TIMEOUT.
func (m *MockClient) WaitFor(predicate func(actor.CallerSnapshot) bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if predicate(m.GetState()) {
		return nil
	}

	matched := make(chan struct{}, 1)
	unsubscribe := m.Subscribe(func(s actor.CallerSnapshot) {
		if predicate(s) {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if predicate(m.GetState()) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-matched:
		return nil
	case <-timer.C:
		return apperr.WaitTimeout(fmt.Sprintf("predicate not satisfied within %s", timeout))
	}
}
