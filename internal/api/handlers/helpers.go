// Package handlers translates HTTP requests into agent controller calls
// and maps domain errors to status codes.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opirc/remoteagent/internal/domain/agent"
	"github.com/opirc/remoteagent/internal/domain/conversation"
	"github.com/opirc/remoteagent/internal/domain/tool"
)

const (
	headerContentType = "Content-Type"
	mimeJSON          = "application/json"

	errInvalidBody = "invalid request body"

	maxBodyBytes = 1 << 20

	defaultListLimit = 25
	maxListLimit     = 100
)

// writeJSON writes v wrapped in a {"data": ...} envelope.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, mimeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set(headerContentType, mimeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		http.Error(w, `{"error":"failed to encode error response"}`, http.StatusInternalServerError)
	}
}

// decodeBody reads a JSON body of at most maxBodyBytes.
func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// statusFor maps agent and store errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, agent.ErrModelServiceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, conversation.ErrEmptyConversationID):
		return http.StatusBadRequest
	case errors.Is(err, tool.ErrToolNotFound), errors.Is(err, agent.ErrRunNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func conversationID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func parseLimit(r *http.Request) int {
	limit := defaultListLimit
	if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && lim > 0 {
		limit = min(lim, maxListLimit)
	}
	return limit
}
