// Package client implements the long-lived WebSocket client runtime: it
// maintains a live projected snapshot from an initial value plus a stream of
// JSON-patch deltas, reconnecting with exponential backoff and resyncing via
// checksum after gaps.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jonmumm/actor-kit/internal/actor"
	"github.com/jonmumm/actor-kit/internal/apperr"
	"github.com/jonmumm/actor-kit/internal/fetch"
	"github.com/jonmumm/actor-kit/internal/logger"
	"github.com/jonmumm/actor-kit/internal/patch"
)

const (
	// maxReconnectAttempts bounds the reconnect loop; after the final failure
	// OnError fires once and the client stops.
	maxReconnectAttempts = 5

	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second

	defaultWaitTimeout = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	// Host is the client-facing host value ("host" or "host:port"). Plain ws
	// is used for loopback/RFC1918 hosts, wss otherwise.
	Host        string
	ActorType   string
	ActorID     string
	AccessToken string

	// Checksum is the baseline the client already holds; the server resyncs
	// from it on connect.
	Checksum string

	// InitialSnapshot seeds local state, typically from a fetch.Snapshot
	// call that produced Checksum.
	InitialSnapshot *actor.CallerSnapshot

	// OnStateChange fires after every applied patch.
	OnStateChange func(actor.CallerSnapshot)

	// OnError fires on apply failures, send-on-closed-socket, and final
	// reconnect exhaustion.
	OnError func(error)

	Logger *zerolog.Logger
}

// Client is the live WebSocket client runtime.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	state     actor.CallerSnapshot
	checksum  string
	listeners map[int]func(actor.CallerSnapshot)
	nextID    int
	connected bool
	closed    bool
}

// New creates a client; Connect starts it.
func New(cfg Config) *Client {
	log := logger.Client()
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	c := &Client{
		cfg:       cfg,
		log:       log.With().Str("actor_type", cfg.ActorType).Str("actor_id", cfg.ActorID).Logger(),
		checksum:  cfg.Checksum,
		listeners: make(map[int]func(actor.CallerSnapshot)),
	}
	if cfg.InitialSnapshot != nil {
		c.state = *cfg.InitialSnapshot
	} else {
		c.state = actor.CallerSnapshot{Public: map[string]any{}, Private: map[string]any{}}
	}
	return c
}

func (c *Client) endpoint() string {
	scheme := "wss"
	if fetch.IsLocalHost(c.cfg.Host) {
		scheme = "ws"
	}
	q := url.Values{}
	q.Set("accessToken", c.cfg.AccessToken)
	c.mu.Lock()
	if c.checksum != "" {
		q.Set("checksum", c.checksum)
	}
	c.mu.Unlock()
	u := url.URL{
		Scheme:   scheme,
		Host:     c.cfg.Host,
		Path:     fmt.Sprintf("/api/%s/%s", c.cfg.ActorType, c.cfg.ActorID),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Connect opens the WebSocket and starts the read loop. It returns once the
// initial dial succeeds or fails.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	c.log.Debug().Msg("Connected")
	return nil
}

// Disconnect closes the connection and disables reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// Send writes a JSON-serialized event on the socket. If the socket is not
// open, OnError fires and the event is not queued.
func (c *Client) Send(event map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.connected
	c.mu.Unlock()

	if !open || conn == nil {
		err := fmt.Errorf("socket is not open; event %v dropped", event["type"])
		c.emitError(err)
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		c.emitError(err)
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.emitError(err)
		return err
	}
	return nil
}

// GetState returns the current projected snapshot.
func (c *Client) GetState() actor.CallerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Checksum returns the checksum of the current projection baseline.
func (c *Client) Checksum() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checksum
}

// Subscribe registers a local listener; the returned function unsubscribes.
func (c *Client) Subscribe(fn func(actor.CallerSnapshot)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// WaitFor resolves once predicate(state) is true, or fails with WAIT_TIMEOUT.
func (c *Client) WaitFor(predicate func(actor.CallerSnapshot) bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if predicate(c.GetState()) {
		return nil
	}

	matched := make(chan struct{}, 1)
	unsubscribe := c.Subscribe(func(s actor.CallerSnapshot) {
		if predicate(s) {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// Re-check after subscribing; the matching patch may have landed between
	// the first check and the subscription.
	if predicate(c.GetState()) {
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

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			stillCurrent := c.conn == conn
			if stillCurrent {
				c.connected = false
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			if !closed && stillCurrent {
				c.reconnect()
			}
			return
		}

		var msg actor.PatchMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.emitError(fmt.Errorf("malformed patch message: %w", err))
			c.dropAndReconnect(conn)
			return
		}

		if err := c.apply(msg); err != nil {
			// PATCH_FAILED: drop the connection; the reconnect carries our
			// checksum so the server resyncs us.
			c.emitError(err)
			c.dropAndReconnect(conn)
			return
		}
	}
}

// apply patches a cloned copy of the current projection; on success the clone
// replaces the current state and listeners fire.
func (c *Client) apply(msg actor.PatchMessage) error {
	c.mu.Lock()
	next := c.state
	if err := patch.ApplyTo(&next, msg.Operations); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	c.checksum = msg.Checksum
	listeners := make([]func(actor.CallerSnapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	onChange := c.cfg.OnStateChange
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	if onChange != nil {
		onChange(next)
	}
	return nil
}

func (c *Client) dropAndReconnect(conn *websocket.Conn) {
	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.connected = false
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	if !closed {
		c.reconnect()
	}
}

// reconnect retries up to maxReconnectAttempts times with exponential backoff
// min(1s * 2^n, 30s). Each attempt carries the current checksum, so the
// server resynchronizes from that baseline. On final failure OnError fires
// once and the client stops.
func (c *Client) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBaseDelay
	bo.MaxInterval = reconnectMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		time.Sleep(bo.NextBackOff())

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(c.endpoint(), nil)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.log.Info().Int("attempt", attempt+1).Msg("Reconnected")
		go c.readLoop(conn)
		return
	}
	c.emitError(fmt.Errorf("gave up reconnecting after %d attempts", maxReconnectAttempts))
}

func (c *Client) emitError(err error) {
	c.log.Warn().Err(err).Msg("Client error")
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
