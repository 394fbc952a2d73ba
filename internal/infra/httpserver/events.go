package httpserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dtrovato997/speechanalysis/internal/application/recording"
)

const eventWriteTimeout = 5 * time.Second

// EventHub fans recording snapshots out to connected websocket clients. The
// session's Notify callback feeds Broadcast; a client that cannot keep up
// within the write timeout is dropped rather than allowed to stall the
// ticker behind it.
type EventHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	// mu guards the client set and serializes writes; gorilla conns do not
	// tolerate concurrent writers.
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewEventHub(log *slog.Logger) *EventHub {
	if log == nil {
		log = slog.Default()
	}
	return &EventHub{
		log: log,
		upgrader: websocket.Upgrader{
			// The UI is served from a different origin on the same device.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Serve upgrades the request and registers the client. The current snapshot
// is sent first so a client joining mid-recording sees state immediately
// instead of waiting for the next tick.
func (h *EventHub) Serve(w http.ResponseWriter, r *http.Request, current recording.Snapshot) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := conn.WriteJSON(current); err != nil {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = true
	h.mu.Unlock()
	h.log.Info("event stream opened", "remote", conn.RemoteAddr().String())

	// Clients never send data; the read loop only pumps the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				h.log.Info("event stream closed", "remote", conn.RemoteAddr().String())
				return
			}
		}
	}()
}

// Broadcast sends the snapshot to every connected client, dropping the ones
// whose write fails.
func (h *EventHub) Broadcast(snap recording.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount reports connected listeners.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conn] {
		conn.Close()
		delete(h.clients, conn)
	}
}
