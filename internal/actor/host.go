package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jonmumm/actor-kit/internal/apperr"
	"github.com/jonmumm/actor-kit/internal/logger"
	"github.com/jonmumm/actor-kit/internal/patch"
	"github.com/jonmumm/actor-kit/internal/storage"
)

// hostState tracks the host lifecycle:
// uninitialized -> initializing -> ready -> shutdown.
type hostState int

const (
	stateUninitialized hostState = iota
	stateInitializing
	stateReady
	stateShutdown
)

const (
	// eventQueueSize bounds the FIFO event queue.
	eventQueueSize = 256

	// persistMaxFailures bounds consecutive failed persistence attempts
	// (the first attempt included) for one write generation. In-memory state
	// stays authoritative when exhausted.
	persistMaxFailures = 5
)

// PatchMessage is the only server-to-client WebSocket message kind.
type PatchMessage struct {
	Operations []patch.Operation `json:"operations"`
	Checksum   string            `json:"checksum"`
}

// WaitOptions describes the blocking form of GetSnapshot: return once a new
// event of the given type has been applied, or the machine's state value
// matches State, or Timeout elapses.
type WaitOptions struct {
	Event          string
	State          string
	Timeout        time.Duration
	ErrorOnTimeout bool
}

// GetSnapshotResult is the GET response body.
type GetSnapshotResult struct {
	Snapshot CallerSnapshot `json:"snapshot"`
	Checksum string         `json:"checksum"`
}

// HostConfig configures a Host.
type HostConfig struct {
	ActorType string
	ActorID   string
	Factory   MachineFactory

	// Store is the persistence backend; nil disables persistence.
	Store storage.Store

	// CheckOrigin guards WebSocket upgrades; nil allows non-browser clients
	// and localhost origins only.
	CheckOrigin func(r *http.Request) bool

	Logger *zerolog.Logger
}

type waiter struct {
	event string
	state string
	ch    chan struct{}
}

// Host owns a single machine instance: a bounded FIFO event queue, the set of
// live subscriptions, a snapshot cache and persisted metadata.
//
// All state mutations happen on a single logical executor: the run goroutine
// dequeues events serially, performs one machine Send per dequeue, then runs
// the post-step routine before the next event. This gives per-actor
// linearizability; the order events are accepted is the order their effects
// become visible to every subscriber and every subsequent read.
type Host struct {
	actorType string
	actorID   string
	factory   MachineFactory
	store     storage.Store
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	mu          sync.Mutex
	state       hostState
	props       SpawnProps
	machine     Machine
	unsubscribe func()
	subs        map[string]*subscription
	waiters     map[*waiter]struct{}
	current     Snapshot
	checksum    string

	events    chan Event
	notify    chan struct{}
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once

	cache *SnapshotCache

	// Persistence bookkeeping; touched only on the run goroutine.
	lastPersisted   []byte
	dirty           bool
	persistFailures int
	persistBackoff  *backoff.ExponentialBackOff
	nextPersistAt   time.Time
}

// NewHost creates an unspawned host for one actor address.
func NewHost(cfg HostConfig) *Host {
	log := logger.Actor()
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	l := log.With().Str("actor_type", cfg.ActorType).Str("actor_id", cfg.ActorID).Logger()

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = defaultCheckOrigin
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	return &Host{
		actorType: cfg.ActorType,
		actorID:   cfg.ActorID,
		factory:   cfg.Factory,
		store:     cfg.Store,
		log:       l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		subs:           make(map[string]*subscription),
		waiters:        make(map[*waiter]struct{}),
		events:         make(chan Event, eventQueueSize),
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
		ready:          make(chan struct{}),
		cache:          NewSnapshotCache(),
		persistBackoff: bo,
	}
}

// defaultCheckOrigin allows requests without an Origin header (non-browser
// clients) plus localhost origins.
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}

// Address returns the host's actor address.
func (h *Host) Address() Address {
	return Address{ActorType: h.actorType, ActorID: h.actorID}
}

// Cache exposes the snapshot cache for the registry's periodic sweep.
func (h *Host) Cache() *SnapshotCache {
	return h.cache
}

// Spawn initializes the host. The first call persists the birth parameters,
// constructs the machine, applies migrations to any persisted snapshot and
// starts it. Further calls with identical identity are no-ops; mismatched
// identity fails with ALREADY_SPAWNED_DIFFERENT.
func (h *Host) Spawn(ctx context.Context, props SpawnProps) error {
	h.mu.Lock()
	switch h.state {
	case stateReady, stateInitializing:
		prior := h.props
		h.mu.Unlock()
		if prior.ActorType != props.ActorType || prior.ActorID != props.ActorID ||
			prior.InitialCaller != props.InitialCaller {
			return apperr.AlreadySpawnedDifferent(
				fmt.Sprintf("actor %s/%s already spawned with different identity", h.actorType, h.actorID))
		}
		// A concurrent first spawn may still be initializing; wait for it so
		// callers can use the host as soon as Spawn returns.
		select {
		case <-h.ready:
			return nil
		case <-h.done:
			return apperr.NotReady("actor host is shut down")
		case <-ctx.Done():
			return apperr.Internal("spawn wait cancelled", ctx.Err())
		}
	case stateShutdown:
		h.mu.Unlock()
		return apperr.NotReady("actor host is shut down")
	}
	h.state = stateInitializing
	h.props = props
	h.mu.Unlock()

	err := h.spawn(ctx, props)
	if err != nil {
		h.mu.Lock()
		h.state = stateUninitialized
		h.mu.Unlock()
		return err
	}
	return nil
}

func (h *Host) spawn(ctx context.Context, props SpawnProps) error {
	var rec *storage.Record
	if h.store != nil {
		loaded, err := h.store.Load(ctx, h.actorType, h.actorID)
		if err != nil {
			return apperr.Internal("failed to load persisted actor state", err)
		}
		rec = loaded
	}

	var restored *Snapshot
	if rec != nil && len(rec.Snapshot) > 0 {
		restored = &Snapshot{}
		if err := json.Unmarshal(rec.Snapshot, restored); err != nil {
			h.log.Error().Err(err).Msg("Persisted snapshot is unreadable; starting fresh")
			restored = nil
		}
	}

	machine, err := h.factory(props)
	if err != nil {
		return apperr.Internal("machine construction failed", err)
	}

	// Rehydration applies migrations to the stored snapshot before start.
	var migrationOps []patch.Operation
	if restored != nil {
		if m, ok := machine.(Migrator); ok {
			if ops := m.Migrations(); len(ops) > 0 {
				if err := patch.ApplyTo(restored, ops); err != nil {
					return apperr.Internal("snapshot migration failed", err)
				}
				migrationOps = ops
			}
		}
	}

	if err := machine.Start(restored); err != nil {
		return apperr.Internal("machine start failed", err)
	}

	if h.store != nil && rec == nil {
		callerJSON, err := json.Marshal(props.InitialCaller)
		if err != nil {
			return apperr.Internal("failed to encode initial caller", err)
		}
		inputJSON, err := json.Marshal(props.Input)
		if err != nil {
			return apperr.Internal("failed to encode input", err)
		}
		save := &storage.Record{
			ActorType:     h.actorType,
			ActorID:       h.actorID,
			InitialCaller: callerJSON,
			Input:         inputJSON,
		}
		if err := h.store.Save(ctx, save); err != nil {
			return apperr.Internal("failed to persist spawn parameters", err)
		}
	}

	snap := machine.Snapshot().Clone()
	sum, err := patch.Checksum(snap)
	if err != nil {
		return apperr.Internal("failed to checksum initial snapshot", err)
	}

	h.mu.Lock()
	h.machine = machine
	h.current = snap
	h.checksum = sum
	h.state = stateReady
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })

	h.cache.Put(sum, snap)

	h.unsubscribe = machine.Subscribe(func(Snapshot) {
		// Funnel machine-initiated changes onto the host executor.
		select {
		case h.notify <- struct{}{}:
		default:
		}
	})

	go h.run()

	// Birth events run through the same queue as everything else.
	if restored != nil {
		if len(migrationOps) > 0 {
			h.enqueue(NewMigrateEvent(h.actorID, migrationOps))
		}
		h.enqueue(NewResumeEvent(h.actorID))
		h.log.Info().Msg("Actor rehydrated from persisted snapshot")
	} else {
		h.enqueue(NewInitializeEvent(h.actorID, props.Input))
		h.log.Info().Msg("Actor spawned")
	}
	return nil
}

// Send enqueues a validated event already stamped with its caller. It returns
// once the event is accepted into the queue. Fails with NOT_READY before
// Spawn and with BAD_EVENT when the machine's schema rejects the payload.
func (h *Host) Send(ctx context.Context, event Event) error {
	h.mu.Lock()
	state := h.state
	machine := h.machine
	h.mu.Unlock()

	if state != stateReady {
		return apperr.NotReady(fmt.Sprintf("actor %s/%s is not ready", h.actorType, h.actorID))
	}
	if event.Caller.Type != CallerSystem {
		if v, ok := machine.(EventValidator); ok {
			if err := v.ValidateEvent(event); err != nil {
				return apperr.Wrap(apperr.ErrCodeBadEvent, "event rejected by schema", err)
			}
		}
	}

	select {
	case h.events <- event:
		return nil
	case <-h.done:
		return apperr.NotReady("actor host is shut down")
	case <-ctx.Done():
		return apperr.Internal("event enqueue cancelled", ctx.Err())
	}
}

func (h *Host) enqueue(event Event) {
	select {
	case h.events <- event:
	case <-h.done:
	}
}

// GetSnapshot returns the caller's projection of the current snapshot plus
// its checksum. With wait set, the caller (not the event loop) blocks until
// the wait condition holds or the timeout elapses.
func (h *Host) GetSnapshot(ctx context.Context, caller Caller, wait *WaitOptions) (GetSnapshotResult, error) {
	h.mu.Lock()
	if h.state != stateReady {
		h.mu.Unlock()
		return GetSnapshotResult{}, apperr.NotReady(fmt.Sprintf("actor %s/%s is not ready", h.actorType, h.actorID))
	}

	if wait == nil || (wait.Event == "" && wait.State == "") {
		res := h.resultLocked(caller)
		h.mu.Unlock()
		return res, nil
	}

	// Already in the requested state: return immediately.
	if wait.State != "" && stateMatches(h.current.Value, wait.State) {
		res := h.resultLocked(caller)
		h.mu.Unlock()
		return res, nil
	}

	w := &waiter{event: wait.Event, state: wait.State, ch: make(chan struct{})}
	h.waiters[w] = struct{}{}
	h.mu.Unlock()

	timeout := wait.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-w.ch:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	case <-h.done:
		return GetSnapshotResult{}, apperr.NotReady("actor host is shut down")
	}

	h.mu.Lock()
	delete(h.waiters, w)
	res := h.resultLocked(caller)
	h.mu.Unlock()

	if timedOut && wait.ErrorOnTimeout {
		return GetSnapshotResult{}, apperr.WaitTimeout(
			fmt.Sprintf("condition not reached within %s", timeout))
	}
	return res, nil
}

func (h *Host) resultLocked(caller Caller) GetSnapshotResult {
	return GetSnapshotResult{
		Snapshot: Project(h.current, caller.ID),
		Checksum: h.checksum,
	}
}

// Checksum returns the checksum of the current snapshot.
func (h *Host) Checksum() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checksum
}

// SubscriberCount returns the number of live subscriptions.
func (h *Host) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// run is the host's single logical executor.
func (h *Host) run() {
	for {
		select {
		case event := <-h.events:
			h.step(event)
		case <-h.notify:
			h.postStep("")
		case <-h.done:
			return
		}
	}
}

// step performs one machine send followed by the post-step routine. A machine
// failure is logged and the event dropped; machine state is unchanged and no
// patch is emitted.
func (h *Host) step(event Event) {
	err := h.safeSend(event)
	if err != nil {
		h.log.Error().Err(err).Str("event_type", event.Type).
			Str("caller", event.Caller.String()).
			Msg("Machine rejected event; dropping")
		return
	}
	h.postStep(event.Type)
}

func (h *Host) safeSend(event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("machine panic: %v", r)
		}
	}()
	return h.machine.Send(event)
}

// postStep captures the new snapshot, feeds the cache, fans out per-caller
// patches, wakes waiters and persists. It runs synchronously on the executor
// before the next event is processed.
func (h *Host) postStep(eventType string) {
	h.mu.Lock()
	snap := h.machine.Snapshot().Clone()
	sum, err := patch.Checksum(snap)
	if err != nil {
		h.mu.Unlock()
		h.log.Error().Err(err).Msg("Failed to checksum snapshot")
		return
	}
	changed := sum != h.checksum
	h.current = snap
	h.checksum = sum

	if changed {
		h.cache.Put(sum, snap)
		h.fanOutLocked(snap, sum)
	}
	h.wakeWaitersLocked(snap, eventType)
	h.mu.Unlock()

	if changed {
		h.dirty = true
	}
	h.maybePersist(snap)
}

func (h *Host) fanOutLocked(snap Snapshot, sum string) {
	var overflowed []*subscription
	for _, sub := range h.subs {
		next := Project(snap, sub.caller.ID)
		ops, err := patch.Diff(sub.lastProjection, next)
		if err != nil {
			h.log.Error().Err(err).Str("caller", sub.caller.String()).Msg("Failed to diff projection")
			overflowed = append(overflowed, sub)
			continue
		}
		if len(ops) > 0 {
			msg, err := json.Marshal(PatchMessage{Operations: ops, Checksum: sum})
			if err != nil {
				h.log.Error().Err(err).Msg("Failed to encode patch message")
				continue
			}
			select {
			case sub.send <- msg:
			default:
				// The transport bound is exceeded; this subscriber must
				// reconnect and resynchronize.
				overflowed = append(overflowed, sub)
				continue
			}
		}
		sub.lastProjection = next
	}
	for _, sub := range overflowed {
		h.dropSubLocked(sub, apperr.ErrCodeResyncRequired)
	}
}

func (h *Host) wakeWaitersLocked(snap Snapshot, eventType string) {
	for w := range h.waiters {
		matched := false
		if w.event != "" && eventType != "" && w.event == eventType {
			matched = true
		}
		if !matched && w.state != "" && stateMatches(snap.Value, w.state) {
			matched = true
		}
		if matched {
			close(w.ch)
			delete(h.waiters, w)
		}
	}
}

// maybePersist writes the full snapshot when it differs from the last
// persisted value. Failures retry on subsequent steps with exponential
// backoff; after persistMaxFailures the write generation is abandoned and
// in-memory state remains authoritative until restart.
func (h *Host) maybePersist(snap Snapshot) {
	if h.store == nil || !h.dirty {
		return
	}
	if !h.nextPersistAt.IsZero() && time.Now().Before(h.nextPersistAt) {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to serialize snapshot for persistence")
		return
	}
	if h.lastPersisted != nil && string(h.lastPersisted) == string(data) {
		h.dirty = false
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = h.store.SaveSnapshot(ctx, h.actorType, h.actorID, data)
	cancel()
	if err != nil {
		h.persistFailures++
		if h.persistFailures >= persistMaxFailures {
			h.log.Error().Err(err).Int("failures", h.persistFailures).
				Msg("Persistence retries exhausted; in-memory state remains authoritative")
			h.dirty = false
			h.persistFailures = 0
			h.persistBackoff.Reset()
			h.nextPersistAt = time.Time{}
			return
		}
		h.nextPersistAt = time.Now().Add(h.persistBackoff.NextBackOff())
		h.log.Warn().Err(err).Int("failures", h.persistFailures).
			Time("next_attempt", h.nextPersistAt).
			Msg("Snapshot persistence failed; will retry")
		return
	}

	h.lastPersisted = data
	h.dirty = false
	h.persistFailures = 0
	h.persistBackoff.Reset()
	h.nextPersistAt = time.Time{}
}

// Stop shuts the host down: the loop exits, a final snapshot write is
// attempted and every subscriber receives a going-away close.
func (h *Host) Stop(ctx context.Context) {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	if h.state == stateShutdown {
		h.mu.Unlock()
		return
	}
	h.state = stateShutdown
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	machine := h.machine
	subs := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	for w := range h.waiters {
		close(w.ch)
		delete(h.waiters, w)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(websocket.CloseGoingAway, "server shutting down")
	}

	if h.store != nil && machine != nil {
		data, err := json.Marshal(machine.Snapshot())
		if err == nil && (h.lastPersisted == nil || string(h.lastPersisted) != string(data)) {
			if err := h.store.SaveSnapshot(ctx, h.actorType, h.actorID, data); err != nil {
				h.log.Error().Err(err).Msg("Final snapshot write failed")
			}
		}
	}
	h.log.Info().Msg("Actor host stopped")
}

// stateMatches reports whether a hierarchical state value matches a dotted
// target, e.g. "loading.items" matches {"loading": "items"} and
// {"loading": {"items": ...}}.
func stateMatches(value any, want string) bool {
	switch v := value.(type) {
	case string:
		return v == want
	case map[string]any:
		parts := strings.SplitN(want, ".", 2)
		child, ok := v[parts[0]]
		if !ok {
			return false
		}
		if len(parts) == 1 {
			return true
		}
		return stateMatches(child, parts[1])
	}
	return false
}
