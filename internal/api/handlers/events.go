package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opirc/remoteagent/internal/domain/agent"
	"github.com/opirc/remoteagent/internal/infra/eventbus"
)

const defaultKeepAlive = 15 * time.Second

// EventsHandler streams a conversation's progress events as
// server-sent events.
type EventsHandler struct {
	bus       eventbus.EventBus
	keepAlive time.Duration
}

func NewEventsHandler(bus eventbus.EventBus) *EventsHandler {
	return &EventsHandler{bus: bus, keepAlive: defaultKeepAlive}
}

// Stream handles GET /api/v1/conversations/{id}/events. It runs until the
// client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := conversationID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	bw, flusher, err := prepareEventStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := agent.ConversationTopic(id)
	events := h.bus.Subscribe(topic)
	defer h.bus.Unsubscribe(topic, events)

	if _, err := fmt.Fprint(bw, ": connected\n\n"); err != nil {
		return
	}
	_ = bw.Flush()
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(bw, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(bw, ev.Payload); err != nil {
				return
			}
		}
		_ = bw.Flush()
		flusher.Flush()
	}
}

func prepareEventStream(w http.ResponseWriter) (*bufio.Writer, http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Flusher")
	}
	w.Header().Set(headerContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return bufio.NewWriter(w), flusher, nil
}

func writeEvent(bw *bufio.Writer, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	name := "message"
	if ev, ok := payload.(agent.Event); ok {
		name = string(ev.Kind)
	}
	_, err = fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", name, b)
	return err
}
