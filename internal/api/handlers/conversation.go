package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opirc/remoteagent/internal/api/ctxkeys"
	"github.com/opirc/remoteagent/internal/domain/agent"
	"github.com/opirc/remoteagent/internal/domain/tool"
	"github.com/opirc/remoteagent/internal/infra/llm"
)

// Agent is the controller surface the API needs. *agent.Controller
// satisfies it.
type Agent interface {
	Process(ctx context.Context, conversationID, text string) (*agent.Result, error)
	Abort(conversationID string) bool
	ClearHistory(ctx context.Context, conversationID string) error
	History(ctx context.Context, conversationID string) ([]llm.Message, error)
	Status(ctx context.Context) agent.Status
	Tools() []tool.Contract
	Invoke(ctx context.Context, name string, input json.RawMessage) (llm.Payload, error)
}

// RunLister reads the run log. *agent.RunLog satisfies it.
type RunLister interface {
	ListRuns(ctx context.Context, conversationID string, limit int) ([]*agent.Run, error)
	GetRun(ctx context.Context, id string) (*agent.Run, error)
}

type ConversationHandler struct {
	agent  Agent
	runs   RunLister
	logger *slog.Logger
}

func NewConversationHandler(a Agent, runs RunLister, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{agent: a, runs: runs, logger: logger}
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage handles POST /api/v1/conversations/{id}/messages. The
// request blocks until the loop finishes; budget exhaustion and
// cancellation are 200 responses whose outcome says so.
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	h.logger.InfoContext(r.Context(), "message received",
		slog.String("operator", ctxkeys.String(r.Context(), ctxkeys.Operator)),
		slog.String("conversation_id", conversationID(r)),
		slog.Int("chars", len([]rune(req.Text))),
	)
	res, err := h.agent.Process(r.Context(), conversationID(r), req.Text)
	if err != nil {
		h.writeAgentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Abort handles POST /api/v1/conversations/{id}/abort.
func (h *ConversationHandler) Abort(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": h.agent.Abort(conversationID(r))})
}

// ClearHistory handles DELETE /api/v1/conversations/{id}/history.
func (h *ConversationHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.ClearHistory(r.Context(), conversationID(r)); err != nil {
		h.writeAgentError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "history cleared",
		slog.String("operator", ctxkeys.String(r.Context(), ctxkeys.Operator)),
		slog.String("conversation_id", conversationID(r)),
	)
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /api/v1/conversations/{id}/history. Image bytes are
// replaced by a placeholder.
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.agent.History(r.Context(), conversationID(r))
	if err != nil {
		h.writeAgentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, elideImages(msgs))
}

// Runs handles GET /api/v1/conversations/{id}/runs?limit=N, newest first.
func (h *ConversationHandler) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context(), conversationID(r), parseLimit(r))
	if err != nil {
		h.writeAgentError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*agent.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Run handles GET /api/v1/runs/{runID}.
func (h *ConversationHandler) Run(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.writeAgentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *ConversationHandler) writeAgentError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch {
	case errors.Is(err, agent.ErrBusy):
		writeError(w, status, "conversation is busy")
	case errors.Is(err, agent.ErrModelServiceUnavailable):
		h.logger.WarnContext(r.Context(), "model service unavailable", slog.Any("error", err))
		writeError(w, status, "model service unavailable")
	case status == http.StatusInternalServerError:
		h.logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, status, "internal error")
	default:
		writeError(w, status, err.Error())
	}
}

// elideImages deep-copies msgs, dropping image data.
func elideImages(msgs []llm.Message) []llm.Message {
	out := llm.CloneMessages(msgs)
	for i := range out {
		for j := range out[i].Content {
			p := out[i].Content[j].Payload
			if p == nil || p.Kind != llm.PayloadImage || p.Image == nil {
				continue
			}
			p.Text = fmt.Sprintf("[image %s, %d bytes]", p.Image.MediaType, len(p.Image.Data))
			p.Image = nil
		}
	}
	return out
}
