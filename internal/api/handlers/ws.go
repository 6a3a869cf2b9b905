package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opirc/remoteagent/internal/domain/agent"
	"github.com/opirc/remoteagent/internal/infra/eventbus"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 50 * time.Second
	wsMaxMessageSize = 64 << 10
	wsSendBuffer     = 64
)

// Client-to-server message types.
const (
	wsTypeMessage = "message"
	wsTypeAbort   = "abort"
)

// Server-to-client message types besides agent events.
const (
	wsTypeEvent  = "event"
	wsTypeResult = "result"
	wsTypeError  = "error"
)

type wsInbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wsOutbound struct {
	Type    string        `json:"type"`
	Event   *agent.Event  `json:"event,omitempty"`
	Result  *agent.Result `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
	Status  int           `json:"status,omitempty"`
	Aborted *bool         `json:"aborted,omitempty"`
}

// WSHandler drives a conversation over a WebSocket: the client sends
// {"type":"message","text":...} or {"type":"abort"}; the server streams
// progress events and the final result.
type WSHandler struct {
	agent    Agent
	bus      eventbus.EventBus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler accepts any origin; the auth middleware has already
// checked the bearer token.
func NewWSHandler(a Agent, bus eventbus.EventBus, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		agent:  a,
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// wsSession is one connection. Writes go through send so that only
// writePump touches the socket for writing.
type wsSession struct {
	h    *WSHandler
	conn *websocket.Conn
	id   string
	send chan wsOutbound
	done chan struct{}
	once sync.Once
}

// Serve handles GET /api/v1/conversations/{id}/ws.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	id := conversationID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	s := &wsSession{
		h:    h,
		conn: conn,
		id:   id,
		send: make(chan wsOutbound, wsSendBuffer),
		done: make(chan struct{}),
	}

	topic := agent.ConversationTopic(id)
	events := h.bus.Subscribe(topic)

	go s.writePump()
	go s.forward(events)
	s.readPump(r)

	h.bus.Unsubscribe(topic, events)
	s.close()
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// enqueue drops the message when the connection is gone.
func (s *wsSession) enqueue(m wsOutbound) {
	select {
	case s.send <- m:
	case <-s.done:
	}
}

func (s *wsSession) forward(events <-chan eventbus.Event) {
	for ev := range events {
		e, ok := ev.Payload.(agent.Event)
		if !ok {
			continue
		}
		s.enqueue(wsOutbound{Type: wsTypeEvent, Event: &e})
	}
}

func (s *wsSession) readPump(r *http.Request) {
	s.conn.SetReadLimit(wsMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.h.logger.DebugContext(r.Context(), "websocket closed", slog.String("conversation_id", s.id), slog.Any("error", err))
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.enqueue(wsOutbound{Type: wsTypeError, Error: "invalid JSON message", Status: http.StatusBadRequest})
			continue
		}
		switch msg.Type {
		case wsTypeMessage, "":
			if msg.Text == "" {
				s.enqueue(wsOutbound{Type: wsTypeError, Error: "text is required", Status: http.StatusBadRequest})
				continue
			}
			go s.process(r.Context(), msg.Text)
		case wsTypeAbort:
			aborted := s.h.agent.Abort(s.id)
			s.enqueue(wsOutbound{Type: wsTypeAbort, Aborted: &aborted})
		default:
			s.enqueue(wsOutbound{Type: wsTypeError, Error: "unknown message type: " + msg.Type, Status: http.StatusBadRequest})
		}
	}
}

// process runs detached from the socket: a dropped connection does not
// cancel the run, an explicit abort does.
func (s *wsSession) process(ctx context.Context, text string) {
	res, err := s.h.agent.Process(context.WithoutCancel(ctx), s.id, text)
	if err != nil {
		s.enqueue(wsOutbound{Type: wsTypeError, Error: err.Error(), Status: statusFor(err)})
		return
	}
	s.enqueue(wsOutbound{Type: wsTypeResult, Result: res})
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case m := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
