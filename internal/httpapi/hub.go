package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayhook/internal/hookstore"
)

const hubWriteTimeout = 5 * time.Second

// Hub fans captured requests out to the websocket subscribers of each
// endpoint. A subscriber whose buffer is full is disconnected rather than
// allowed to hold up capture.
type Hub struct {
	mu          sync.Mutex
	buffer      int
	subscribers map[string]map[*hubClient]struct{}
	logger      Logger
}

type hubClient struct {
	send chan []byte
}

func NewHub(buffer int, logger Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer:      buffer,
		subscribers: map[string]map[*hubClient]struct{}{},
		logger:      logger,
	}
}

func (h *Hub) subscribe(endpointID string) *hubClient {
	client := &hubClient{send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.subscribers[endpointID]
	if !ok {
		clients = map[*hubClient]struct{}{}
		h.subscribers[endpointID] = clients
	}
	clients[client] = struct{}{}
	return client
}

func (h *Hub) unsubscribe(endpointID string, client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.subscribers[endpointID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.subscribers, endpointID)
	}
}

// Broadcast queues payload for every subscriber of endpointID and reports
// how many accepted it.
func (h *Hub) Broadcast(endpointID string, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for client := range h.subscribers[endpointID] {
		select {
		case client.send <- payload:
			delivered++
		default:
			delete(h.subscribers[endpointID], client)
			close(client.send)
			h.logf("dropping slow subscriber on %s", endpointID)
		}
	}
	if len(h.subscribers[endpointID]) == 0 {
		delete(h.subscribers, endpointID)
	}
	return delivered
}

// Subscribers reports the number of live subscribers for endpointID.
func (h *Hub) Subscribers(endpointID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[endpointID])
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, endpointID string) {
	if _, err := s.store.GetEndpoint(r.Context(), endpointID); err != nil {
		if errors.Is(err, hookstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "endpoint not found", getCorrelationID(r))
			return
		}
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	// Subscribe before the upgrade completes so a request captured right
	// after the client sees the handshake is not missed.
	client := s.hub.subscribe(endpointID)
	defer s.hub.unsubscribe(endpointID, client)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logf("websocket accept for %s failed: %v", endpointID, err)
		return
	}
	s.logf("subscriber connected to %s", endpointID)

	// Subscribers never send data frames; CloseRead handles control frames
	// and ends ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			s.logf("subscriber disconnected from %s", endpointID)
			return
		case payload, ok := <-client.send:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.logf("write to subscriber on %s failed: %v", endpointID, err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
