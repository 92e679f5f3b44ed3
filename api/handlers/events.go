package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/events"
)

// EventsHandler streams run and step lifecycle events over WebSocket.
type EventsHandler struct {
	bus    *events.Bus
	logger *zap.Logger
}

// NewEventsHandler creates the events handler.
func NewEventsHandler(bus *events.Bus, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		bus:    bus,
		logger: logger.With(zap.String("handler", "events")),
	}
}

// Register mounts the event streaming routes on mux.
func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events", h.HandleStream)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", h.HandleRunStream)
}

// HandleStream upgrades to WebSocket and streams every event as a JSON
// text message. A client that stops reading falls behind the bus buffer
// and is dropped; the closed subscription channel ends the stream.
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, h.bus.Subscribe())
}

// HandleRunStream streams only the events of one run.
func (h *EventsHandler) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, h.bus.SubscribeRun(r.PathValue("id")))
}

func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request, sub *events.Subscription) {
	defer h.bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	// CloseRead discards client messages and cancels the context when
	// the peer goes away.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("event stream opened", zap.Int64("subscription", sub.ID))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped for falling behind, or the bus closed.
				conn.Close(websocket.StatusTryAgainLater, "subscriber dropped")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal event", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
