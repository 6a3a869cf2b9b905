package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opirc/remoteagent/internal/infra/config"
	pkgauth "github.com/opirc/remoteagent/pkg/auth"
)

func runCmd(args []string, stdin string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_Default_PrintsVersion(t *testing.T) {
	t.Parallel()

	code, out, _ := runCmd(nil, "")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "remoteagent version")
}

func TestRun_Help_PrintsUsage(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{{"--help"}, {"help"}} {
		code, out, _ := runCmd(args, "")
		assert.Equal(t, 0, code)
		assert.Contains(t, out, "Usage:")
		assert.Contains(t, out, "hash-password")
	}
}

func TestRun_InvalidFlagAndCommand_Return2(t *testing.T) {
	t.Parallel()

	code, _, _ := runCmd([]string{"--unknown-flag"}, "")
	assert.Equal(t, 2, code)

	code, _, errOut := runCmd([]string{"frobnicate"}, "")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown command "frobnicate"`)
}

func TestRun_HashPassword(t *testing.T) {
	t.Parallel()

	code, out, _ := runCmd([]string{"hash-password", "s3cret"}, "")
	require.Equal(t, 0, code)
	assert.True(t, pkgauth.VerifyPassword(strings.TrimSpace(out), "s3cret"))

	code, out, _ = runCmd([]string{"hash-password"}, "from stdin\n")
	require.Equal(t, 0, code)
	assert.True(t, pkgauth.VerifyPassword(strings.TrimSpace(out), "from stdin"))

	code, _, errOut := runCmd([]string{"hash-password"}, "")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "password is empty")
}

func TestRun_Migrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	t.Setenv("LLM_PROVIDER", config.ProviderOllama)
	t.Setenv("DATABASE_PATH", path)

	code, out, errOut := runCmd([]string{"migrate"}, "")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "schema version 1")

	// second run is a no-op
	code, _, errOut = runCmd([]string{"migrate"}, "")
	require.Equal(t, 0, code, errOut)
}

func TestRun_ServeRequiresSecrets(t *testing.T) {
	t.Setenv("LLM_PROVIDER", config.ProviderOllama)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OPERATOR_PASSWORD_HASH", "")

	code, _, errOut := runCmd([]string{"serve"}, "")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "JWT_SECRET")
}

// fakeOllama answers /api/tags and /api/chat and records the user agent.
func fakeOllama(t *testing.T, userAgent *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/api/tags":
			_, _ = io.WriteString(w, `{"models":[]}`)
		case "/api/chat":
			_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"hi from the board"},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":4}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, ollamaURL string) config.Config {
	t.Helper()
	hash, err := pkgauth.HashPassword("pw")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Database.Path = ""
	cfg.Store.Kind = config.StoreMemory
	cfg.LLM.Provider = config.ProviderOllama
	cfg.LLM.Ollama.BaseURL = ollamaURL
	cfg.Tools.Computer = false
	cfg.Auth.JWTSecret = "test-secret-key-32-chars-min!!!"
	cfg.Auth.PasswordHash = hash
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateServe())
	return cfg
}

func request(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNewApp_ServesConversation(t *testing.T) {
	var ua atomic.Value
	srv := fakeOllama(t, &ua)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), testConfig(t, srv.URL), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	assert.Equal(t, http.StatusOK, request(t, a.handler, http.MethodGet, "/ready", "", "").Code)
	assert.Equal(t, "remoteagent/dev", ua.Load())

	rr := request(t, a.handler, http.MethodPost, "/auth/login", "", `{"username":"operator","password":"pw"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var login struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))

	rr = request(t, a.handler, http.MethodGet, "/api/v1/tools", login.Data.Token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"bash"`)
	assert.Contains(t, rr.Body.String(), `"name":"str_replace_editor"`)
	assert.NotContains(t, rr.Body.String(), `"name":"computer"`)

	rr = request(t, a.handler, http.MethodPost, "/api/v1/conversations/c1/messages", login.Data.Token, `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "hi from the board")

	rr = request(t, a.handler, http.MethodGet, "/api/v1/conversations/c1/runs", login.Data.Token, "")
	assert.Contains(t, rr.Body.String(), `"status":"completed"`)

	rr = request(t, a.handler, http.MethodGet, "/metrics", "", "")
	assert.Contains(t, rr.Body.String(), "remoteagent_registered_tools 2")
}

func TestNewApp_PolicyGatesInvoke(t *testing.T) {
	var ua atomic.Value
	srv := fakeOllama(t, &ua)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), testConfig(t, srv.URL), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	issuer, err := pkgauth.NewIssuer("test-secret-key-32-chars-min!!!", 0)
	require.NoError(t, err)
	token, _, err := issuer.Issue("operator")
	require.NoError(t, err)

	rr := request(t, a.handler, http.MethodPost, "/api/v1/tools/bash/invoke", token, `{"input":{"command":"rm -rf /"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "blocked by policy")
}

func TestNewApp_BadPolicyFile(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Policy.File = filepath.Join(t.TempDir(), "missing.rego")

	_, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
