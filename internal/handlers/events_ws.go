package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/escalor/escalor/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// EventsHandler streams alert group lifecycle events over a websocket
type EventsHandler struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(bus *events.Bus) *EventsHandler {
	return &EventsHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients authenticate before upgrading; origin checks
			// happen at the CORS layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleEvents upgrades the connection and relays events until the client
// goes away
// Route: GET /api/events
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Events: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub, cancel := h.bus.Subscribe()
	defer cancel()

	// Reader goroutine: we never expect client messages, but reading is what
	// surfaces the close frame
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				log.Printf("Events: failed to write event: %v", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
