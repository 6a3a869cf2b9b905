// No t.Parallel(): env vars are process-global.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allEnvKeys = []string{
	envKeyConfigFile, envKeyServerHost, envKeyPort, envKeyDatabasePath,
	envKeyStoreKind, envKeyStoreMaxMessages, envKeyLLMProvider, envKeyLLMFallback,
	envKeyAnthropicAPIKey, envKeyAnthropicModel, envKeyAnthropicBaseURL, envKeyAnthropicMaxTokens,
	envKeyOllamaBaseURL, envKeyOllamaChatModel, envKeyMaxIterations, envKeyMaxTextBytes,
	envKeySystemPrompt, envKeyHost, envKeyLanguage, envKeyPolicyEnabled, envKeyPolicyFile,
	envKeyLogLevel, envKeyLogFormat, envKeyOperatorUsername, envKeyOperatorPasswordHash,
	envKeyJWTSecret, envKeyJWTExpiry, envKeyToolsBash, envKeyToolsEditor, envKeyToolsComputer,
	envKeyBashTimeout, envKeyDisplay,
}

// clearEnv makes every key look unset for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnvKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remoteagent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(envKeyAnthropicAPIKey, "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.LLM.Provider != ProviderAnthropic {
		t.Errorf("expected provider anthropic, got %q", cfg.LLM.Provider)
	}
	if cfg.Agent.MaxIterations != 25 {
		t.Errorf("expected 25 iterations, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxTextBytes != 50000 {
		t.Errorf("expected 50000 text bytes, got %d", cfg.Agent.MaxTextBytes)
	}
	if cfg.Store.Kind != StoreSQLite || cfg.Store.MaxMessages != 24 {
		t.Errorf("unexpected store defaults: %+v", cfg.Store)
	}
	if !cfg.Tools.Bash || !cfg.Tools.Editor || !cfg.Tools.Computer {
		t.Errorf("expected all tools enabled: %+v", cfg.Tools)
	}
	if cfg.Tools.Display != ":0" {
		t.Errorf("expected display :0, got %q", cfg.Tools.Display)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(envKeyLLMProvider, "ollama")
	t.Setenv(envKeyOllamaBaseURL, "http://ollama.internal:11434")
	t.Setenv(envKeyOllamaChatModel, "llama3.1:8b")
	t.Setenv(envKeyPort, "9090")
	t.Setenv(envKeyMaxIterations, "5")
	t.Setenv(envKeyToolsComputer, "false")
	t.Setenv(envKeyJWTExpiry, "2")
	t.Setenv(envKeyBashTimeout, "45s")
	t.Setenv(envKeyStoreKind, "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Ollama.BaseURL != "http://ollama.internal:11434" || cfg.LLM.Ollama.Model != "llama3.1:8b" {
		t.Errorf("unexpected ollama config: %+v", cfg.LLM.Ollama)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("expected 5 iterations, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Tools.Computer {
		t.Error("expected computer tool disabled")
	}
	if cfg.Auth.JWTExpiry != 2*time.Hour {
		t.Errorf("expected 2h expiry, got %s", cfg.Auth.JWTExpiry)
	}
	if cfg.Tools.BashTimeout != 45*time.Second {
		t.Errorf("expected 45s bash timeout, got %s", cfg.Tools.BashTimeout)
	}
	if cfg.Store.Kind != StoreMemory {
		t.Errorf("expected memory store, got %q", cfg.Store.Kind)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server:
  port: 7000
llm:
  provider: ollama
  ollama:
    model: qwen2.5:7b
agent:
  max_iterations: 10
mcp_servers:
  - name: files
    command: mcp-files
    args: ["--root", "/home"]
    timeout: 20s
`)
	t.Setenv(envKeyMaxIterations, "12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("expected file port 7000, got %d", cfg.Server.Port)
	}
	if cfg.LLM.Ollama.Model != "qwen2.5:7b" {
		t.Errorf("expected file model, got %q", cfg.LLM.Ollama.Model)
	}
	if cfg.LLM.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("expected default base url kept, got %q", cfg.LLM.Ollama.BaseURL)
	}
	if cfg.Agent.MaxIterations != 12 {
		t.Errorf("expected env to win with 12, got %d", cfg.Agent.MaxIterations)
	}
	if len(cfg.MCP) != 1 || cfg.MCP[0].Name != "files" || cfg.MCP[0].Timeout != 20*time.Second {
		t.Errorf("unexpected mcp servers: %+v", cfg.MCP)
	}
	if len(cfg.MCP[0].Args) != 2 {
		t.Errorf("expected 2 args, got %v", cfg.MCP[0].Args)
	}
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "llm:\n  provider: ollama\n")
	t.Setenv(envKeyConfigFile, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != ProviderOllama {
		t.Errorf("expected provider from file, got %q", cfg.LLM.Provider)
	}
}

func TestLoad_UnknownFileKey(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "servr:\n  port: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_BadEnvValuesAreJoined(t *testing.T) {
	clearEnv(t)
	t.Setenv(envKeyPort, "eighty")
	t.Setenv(envKeyToolsBash, "maybe")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{envKeyPort, envKeyToolsBash} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected error to mention %s, got %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.LLM.Anthropic.APIKey = "sk-test"

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "store kind", mutate: func(c *Config) { c.Store.Kind = "redis" }, want: "store.kind"},
		{name: "provider", mutate: func(c *Config) { c.LLM.Provider = "openai" }, want: "llm.provider"},
		{name: "api key", mutate: func(c *Config) { c.LLM.Anthropic.APIKey = "" }, want: "api_key"},
		{name: "same fallback", mutate: func(c *Config) { c.LLM.Fallback = ProviderAnthropic }, want: "llm.fallback"},
		{name: "iterations", mutate: func(c *Config) { c.Agent.MaxIterations = 0 }, want: "max_iterations"},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: "log.format"},
		{name: "mcp", mutate: func(c *Config) { c.MCP = []MCPServer{{Name: "x"}} }, want: "mcp_servers[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected missing secrets to fail")
	}
	cfg.Auth.JWTSecret = "secret"
	cfg.Auth.PasswordHash = "$2a$12$hash"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestEnvOr_Present(t *testing.T) {
	t.Setenv("TEST_ENVOR_KEY", "custom-value")
	if got := envOr("TEST_ENVOR_KEY", "fallback"); got != "custom-value" {
		t.Errorf("expected 'custom-value', got %q", got)
	}
}

func TestEnvOr_Absent(t *testing.T) {
	t.Setenv("TEST_ENVOR_MISSING", "")
	if got := envOr("TEST_ENVOR_MISSING", "fallback"); got != "fallback" {
		t.Errorf("expected 'fallback', got %q", got)
	}
}
