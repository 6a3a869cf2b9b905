package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opirc/remoteagent/internal/api/ctxkeys"
)

// ToolHandler serves controller status, the tool catalogue and manual
// tool invocation.
type ToolHandler struct {
	agent  Agent
	logger *slog.Logger
}

func NewToolHandler(a Agent, logger *slog.Logger) *ToolHandler {
	return &ToolHandler{agent: a, logger: logger}
}

type toolResponse struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type invokeRequest struct {
	Input json.RawMessage `json:"input"`
}

// Status handles GET /api/v1/status.
func (h *ToolHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Status(r.Context()))
}

// ListTools handles GET /api/v1/tools.
func (h *ToolHandler) ListTools(w http.ResponseWriter, _ *http.Request) {
	contracts := h.agent.Tools()
	out := make([]toolResponse, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, toolResponse{Name: c.Name, Description: c.Description, InputSchema: c.InputSchema})
	}
	writeJSON(w, http.StatusOK, out)
}

// Invoke handles POST /api/v1/tools/{name}/invoke. Policy denials and
// tool failures are 200 responses with an error payload, exactly as the
// model would see them.
func (h *ToolHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	if len(req.Input) == 0 || string(req.Input) == "null" {
		req.Input = json.RawMessage(`{}`)
	}

	name := chi.URLParam(r, "name")
	payload, err := h.agent.Invoke(r.Context(), name, req.Input)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "invoke failed", slog.String("tool", name), slog.Any("error", err))
		}
		writeError(w, status, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "tool invoked manually",
		slog.String("operator", ctxkeys.String(r.Context(), ctxkeys.Operator)),
		slog.String("tool", name),
		slog.String("result", string(payload.Kind)),
	)
	writeJSON(w, http.StatusOK, payload)
}
