package actor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jonmumm/actor-kit/internal/apperr"
	"github.com/jonmumm/actor-kit/internal/patch"
)

const (
	// sendBufferSize bounds buffered outbound patches per subscriber. A
	// subscriber that falls this far behind is closed with RESYNC_REQUIRED
	// and resynchronizes on reconnect.
	sendBufferSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxEventSize = 1 << 20 // 1 MiB inbound event cap
)

// subscription is a live WebSocket bound to (caller, lastProjection).
// Lifetime runs from upgrade accept to close.
type subscription struct {
	id             string
	caller         Caller
	conn           *websocket.Conn
	send           chan []byte
	host           *Host
	lastProjection CallerSnapshot

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// Connect upgrades the request, registers the subscription and performs the
// initial resync against the baseline checksum the client declared:
//
//   - baseline equals the current checksum: no initial message;
//   - baseline found in the snapshot cache: one delta from that baseline;
//   - unknown baseline: one full snapshot patch (diff from the empty
//     document), which replaces the client's state wholesale.
//
// A client that missed arbitrarily many deltas resynchronizes in one message.
func (h *Host) Connect(w http.ResponseWriter, r *http.Request, caller Caller, baseline string, respHeader http.Header) error {
	h.mu.Lock()
	if h.state != stateReady {
		h.mu.Unlock()
		return apperr.NotReady("actor host is not ready")
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return apperr.Internal("websocket upgrade failed", err)
	}

	sub := &subscription{
		id:     uuid.NewString(),
		caller: caller,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		host:   h,
	}

	h.mu.Lock()
	projection := Project(h.current, caller.ID)
	sum := h.checksum

	if baseline != sum {
		from := any(map[string]any{})
		if cached, ok := h.cache.Get(baseline); baseline != "" && ok {
			from = Project(cached, caller.ID)
		}
		ops, diffErr := patch.Diff(from, projection)
		if diffErr != nil {
			h.mu.Unlock()
			conn.Close()
			return apperr.Internal("initial resync diff failed", diffErr)
		}
		msg, _ := json.Marshal(PatchMessage{Operations: ops, Checksum: sum})
		sub.send <- msg
	}

	sub.lastProjection = projection
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go sub.writePump()
	go sub.readPump()

	h.enqueue(NewConnectEvent(h.actorID, caller))
	h.log.Debug().Str("caller", caller.String()).Int("subscribers", h.SubscriberCount()).
		Msg("Subscriber connected")
	return nil
}

// dropSubLocked removes a subscription from the set and schedules its close.
// Caller holds h.mu.
func (h *Host) dropSubLocked(sub *subscription, reason string) {
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	code := websocket.CloseNormalClosure
	if reason == apperr.ErrCodeResyncRequired {
		code = websocket.ClosePolicyViolation
	}
	sub.markClose(code, reason)
	close(sub.send)
}

// detach is called from a pump when the connection is gone.
func (h *Host) detach(sub *subscription) {
	h.mu.Lock()
	_, registered := h.subs[sub.id]
	if registered {
		delete(h.subs, sub.id)
		sub.markClose(websocket.CloseNormalClosure, "")
		close(sub.send)
	}
	h.mu.Unlock()

	if registered {
		h.enqueue(NewDisconnectEvent(h.actorID, sub.caller))
		h.log.Debug().Str("caller", sub.caller.String()).Msg("Subscriber disconnected")
	}
}

func (s *subscription) markClose(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
	})
}

func (s *subscription) close(code int, reason string) {
	s.host.mu.Lock()
	if _, ok := s.host.subs[s.id]; ok {
		delete(s.host.subs, s.id)
		s.markClose(code, reason)
		close(s.send)
	}
	s.host.mu.Unlock()
}

// writePump pumps patches from the host to the websocket connection. One
// patch message per WebSocket frame; patches are delivered in the order the
// host produced them.
func (s *subscription) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The host closed the channel; say why before hanging up.
				code := s.closeCode
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, s.closeReason))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client events from the websocket connection, stamps the
// authoritative caller and request metadata, and feeds them to the host.
// Events failing validation are dropped; the socket stays up.
func (s *subscription) readPump() {
	defer func() {
		s.host.detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxEventSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	remoteAddr := s.conn.RemoteAddr().String()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.host.log.Warn().Err(err).Str("caller", s.caller.String()).Msg("WebSocket read error")
			}
			break
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		event, err := DecodeWireEvent(message, s.caller)
		if err != nil {
			s.host.log.Warn().Err(err).Str("caller", s.caller.String()).
				Msg("Dropping invalid event from socket")
			continue
		}
		event.RequestInfo = &RequestInfo{RemoteAddr: remoteAddr}

		if err := s.host.Send(context.Background(), event); err != nil {
			s.host.log.Warn().Err(err).Str("caller", s.caller.String()).
				Msg("Dropping event rejected by host")
		}
	}
}
