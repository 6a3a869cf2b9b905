package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opirc/remoteagent/internal/domain/agent"
	"github.com/opirc/remoteagent/internal/domain/conversation"
	"github.com/opirc/remoteagent/internal/domain/tool"
	"github.com/opirc/remoteagent/internal/infra/eventbus"
	"github.com/opirc/remoteagent/internal/infra/llm"
	"github.com/opirc/remoteagent/internal/infra/metrics"
	"github.com/opirc/remoteagent/internal/infra/sqlite"
	pkgauth "github.com/opirc/remoteagent/pkg/auth"
)

const (
	testSecret   = "test-secret-key-32-chars-min!!!"
	testOperator = "admin"
	testPassword = "correct horse"
)

// replyProvider answers every request with a single text block.
type replyProvider struct{ text string }

func (p replyProvider) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{
		StopReason: llm.StopEndTurn,
		Content:    []llm.Block{llm.TextBlock(p.text)},
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 2},
	}, nil
}

func (replyProvider) ModelInfo() llm.ModelMeta {
	return llm.ModelMeta{ID: "test-model", Provider: "test"}
}

func (replyProvider) HealthCheck(context.Context) error { return nil }

type testEnv struct {
	router  http.Handler
	metrics *metrics.Metrics
	ready   error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	reg := tool.NewRegistry()
	if err := reg.Register(tool.Contract{
		Name:        "echo",
		Description: "Echo the input back.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: tool.HandlerFunc(func(_ context.Context, in json.RawMessage) (tool.Result, error) {
			return tool.Text(string(in)), nil
		}),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	bus := eventbus.New()
	m := metrics.New()
	runs := agent.NewRunLog(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := agent.NewController(replyProvider{text: "hello there"}, conversation.NewMemoryStore(0, 0), reg, agent.DefaultConfig(),
		agent.WithObserver(agent.Observers{m, agent.NewBusObserver(bus)}),
		agent.WithRunRecorder(runs),
		agent.WithLogger(logger),
	)

	issuer, err := pkgauth.NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := pkgauth.HashPassword(testPassword)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{metrics: m}
	env.router = NewRouter(Deps{
		Agent:        ctrl,
		Runs:         runs,
		Bus:          bus,
		Tokens:       issuer,
		Operator:     testOperator,
		PasswordHash: hash,
		Metrics:      m,
		Ready:        func(context.Context) error { return env.ready },
		Logger:       logger,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/auth/login", "", `{"username":"admin","password":"correct horse"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Data.Token == "" {
		t.Fatalf("login: token missing (%v): %s", err, w.Body.String())
	}
	return resp.Data.Token
}

func TestNewRouter_HealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("/health: %d %q", w.Code, w.Body.String())
	}
}

func TestNewRouter_ReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/ready", "", ""); w.Code != http.StatusOK {
		t.Errorf("ready: status %d", w.Code)
	}
	env.ready = errors.New("connection refused")
	if w := env.do(t, http.MethodGet, "/ready", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: status %d; want 503", w.Code)
	}
}

func TestNewRouter_ProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/status"},
		{http.MethodGet, "/api/v1/tools"},
		{http.MethodPost, "/api/v1/tools/echo/invoke"},
		{http.MethodPost, "/api/v1/conversations/c1/messages"},
		{http.MethodPost, "/api/v1/conversations/c1/abort"},
		{http.MethodGet, "/api/v1/conversations/c1/history"},
		{http.MethodDelete, "/api/v1/conversations/c1/history"},
		{http.MethodGet, "/api/v1/conversations/c1/runs"},
		{http.MethodGet, "/api/v1/conversations/c1/events"},
		{http.MethodGet, "/api/v1/conversations/c1/ws"},
		{http.MethodGet, "/api/v1/runs/r1"},
	}
	for _, rt := range routes {
		if w := env.do(t, rt.method, rt.path, "", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status %d; want 401", rt.method, rt.path, w.Code)
		}
	}
	if w := env.do(t, http.MethodGet, "/api/v1/status", "forged.token.value", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("forged token: status %d; want 401", w.Code)
	}
}

func TestNewRouter_LoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/auth/login", "", `{"username":"admin","password":"nope"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status %d; want 401", w.Code)
	}
}

func TestNewRouter_ConversationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	w := env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", token, `{"text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("messages: status %d, body %s", w.Code, w.Body.String())
	}
	var sent struct {
		Data agent.Result `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Data.ResponseText != "hello there" || sent.Data.Outcome != agent.OutcomeCompleted {
		t.Errorf("result = %+v", sent.Data)
	}

	w = env.do(t, http.MethodGet, "/api/v1/conversations/c1/history", token, "")
	var hist struct {
		Data []llm.Message `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Data) != 2 || hist.Data[0].Role != llm.RoleUser || hist.Data[1].Role != llm.RoleAssistant {
		t.Errorf("history = %+v", hist.Data)
	}

	w = env.do(t, http.MethodGet, "/api/v1/conversations/c1/runs", token, "")
	var runs struct {
		Data []agent.Run `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs.Data) != 1 || runs.Data[0].Status != agent.StatusCompleted {
		t.Fatalf("runs = %+v", runs.Data)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/runs/"+runs.Data[0].ID, token, ""); w.Code != http.StatusOK {
		t.Errorf("run by id: status %d", w.Code)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/conversations/c1/history", token, ""); w.Code != http.StatusNoContent {
		t.Errorf("clear: status %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/conversations/c1/history", token, "")
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("history after clear = %s", w.Body.String())
	}
}

func TestNewRouter_ToolInvoke(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	w := env.do(t, http.MethodPost, "/api/v1/tools/echo/invoke", token, `{"input":{"x":1}}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `{\"x\":1}`) {
		t.Errorf("invoke: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/tools/nope/invoke", token, `{}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown tool: status %d; want 404", w.Code)
	}
}

func TestNewRouter_MetricsExposesRunsAndRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", token, `{"text":"hi"}`)

	w := env.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics: status %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`remoteagent_runs_total{outcome="completed"} 1`,
		`route="/api/v1/conversations/{id}/messages"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
