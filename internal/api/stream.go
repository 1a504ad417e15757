package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/events"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// Subscriber registers a status event handler and returns its unsubscribe.
type Subscriber interface {
	Subscribe(h events.Handler) (unsubscribe func())
}

// StatusStream pushes status events to websocket clients. The optional
// session_id query parameter limits the stream to one session.
type StatusStream struct {
	bus Subscriber
}

// NewStatusStream creates a StatusStream over bus.
func NewStatusStream(bus Subscriber) *StatusStream {
	return &StatusStream{bus: bus}
}

// ServeHTTP upgrades the request and streams events until either side closes.
func (s *StatusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("session_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())

	queue := make(chan domain.StatusEvent, streamBuffer)
	unsubscribe := s.bus.Subscribe(func(ev domain.StatusEvent) {
		if filter != "" && ev.SessionID != filter {
			return
		}
		select {
		case queue <- ev:
		default:
			slog.Warn("Status stream client too slow, dropping event", "session_id", ev.SessionID, "status", ev.Status)
		}
	})
	defer unsubscribe()

	slog.Debug("Status stream opened", "session_filter", filter, "ip", r.RemoteAddr)
	for {
		select {
		case ev := <-queue:
			if err := writeEvent(ctx, ws, ev); err != nil {
				slog.Debug("Status stream write failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev domain.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
