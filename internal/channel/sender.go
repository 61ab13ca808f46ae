package channel

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ovictorfarias/pegasus/internal/model"
)

// sender is the outbound side of a channel as the background tasks see it.
type sender interface {
	Send(e model.Event) error
	Close(code int, reason string) error
}

// eventSender serializes event writes to one websocket connection. The
// execution task and the telemetry task share the outbound channel, the mutex
// keeps every message atomic.
type eventSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newEventSender(conn *websocket.Conn) *eventSender {
	return &eventSender{conn: conn}
}

// Send writes one event to the channel.
func (s *eventSender) Send(e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteJSON(wireEvent{Type: e.EventType(), Content: e.Payload()})
}

// Close writes a websocket close frame with the given code and reason.
func (s *eventSender) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
