// Package config provides application-wide configuration. Values start
// from defaults, are overlaid by an optional YAML file and finally by
// environment variables. Only secrets have no default.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for remoteagent.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Policy   PolicyConfig   `yaml:"policy"`
	MCP      []MCPServer    `yaml:"mcp_servers"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Tools    ToolsConfig    `yaml:"tools"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`             // SERVER_HOST: default: "0.0.0.0"
	Port            int           `yaml:"port"`             // PORT: default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 15s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 0 (long-running runs and streams)
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // default: 60s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 10s
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // DATABASE_PATH: default: "./data/remoteagent.db"
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type StoreConfig struct {
	Kind             string        `yaml:"kind"`              // STORE_KIND: memory | sqlite
	MaxMessages      int           `yaml:"max_messages"`      // STORE_MAX_MESSAGES: default: 24
	MaxConversations int           `yaml:"max_conversations"` // memory only
	TTL              time.Duration `yaml:"ttl"`               // memory only
}

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

type LLMConfig struct {
	Provider string `yaml:"provider"` // LLM_PROVIDER: anthropic | ollama
	// Fallback is tried when Provider is unreachable. Empty disables it.
	Fallback  string          `yaml:"fallback"` // LLM_FALLBACK
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey    string        `yaml:"api_key"`    // ANTHROPIC_API_KEY
	Model     string        `yaml:"model"`      // ANTHROPIC_MODEL
	BaseURL   string        `yaml:"base_url"`   // ANTHROPIC_BASE_URL
	MaxTokens int           `yaml:"max_tokens"` // ANTHROPIC_MAX_TOKENS
	Timeout   time.Duration `yaml:"timeout"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"base_url"` // OLLAMA_BASE_URL: default: "http://localhost:11434"
	Model   string `yaml:"model"`    // OLLAMA_CHAT_MODEL: default: "llama3.2:3b"
}

type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations"` // AGENT_MAX_ITERATIONS: default: 25
	MaxTextBytes  int    `yaml:"max_text_bytes"` // AGENT_MAX_TEXT_BYTES: default: 50000
	SystemPrompt  string `yaml:"system_prompt"`  // AGENT_SYSTEM_PROMPT: overrides the built-in prompt
	Host          string `yaml:"host"`           // AGENT_HOST_DESCRIPTION
	Language      string `yaml:"language"`       // AGENT_LANGUAGE
}

type PolicyConfig struct {
	Enabled bool   `yaml:"enabled"` // POLICY_ENABLED: default: true
	File    string `yaml:"file"`    // POLICY_FILE: empty uses the built-in module
}

// MCPServer describes one external MCP tool server launched over stdio.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // LOG_LEVEL: debug | info | warn | error
	Format string `yaml:"format"` // LOG_FORMAT: text | json
}

type AuthConfig struct {
	Username     string        `yaml:"username"`      // OPERATOR_USERNAME: default: "operator"
	PasswordHash string        `yaml:"password_hash"` // OPERATOR_PASSWORD_HASH (bcrypt)
	JWTSecret    string        `yaml:"jwt_secret"`    // JWT_SECRET
	JWTExpiry    time.Duration `yaml:"jwt_expiry"`    // JWT_EXPIRY (hours): default: 24h
}

type ToolsConfig struct {
	Bash        bool          `yaml:"bash"`         // TOOLS_BASH
	Editor      bool          `yaml:"editor"`       // TOOLS_EDITOR
	Computer    bool          `yaml:"computer"`     // TOOLS_COMPUTER
	BashTimeout time.Duration `yaml:"bash_timeout"` // BASH_TIMEOUT: default: 30s
	Display     string        `yaml:"display"`      // DISPLAY: default: ":0"
}

const (
	envKeyConfigFile = "REMOTEAGENT_CONFIG"

	envKeyServerHost = "SERVER_HOST"
	envKeyPort       = "PORT"

	envKeyDatabasePath = "DATABASE_PATH"

	envKeyStoreKind        = "STORE_KIND"
	envKeyStoreMaxMessages = "STORE_MAX_MESSAGES"

	envKeyLLMProvider        = "LLM_PROVIDER"
	envKeyLLMFallback        = "LLM_FALLBACK"
	envKeyAnthropicAPIKey    = "ANTHROPIC_API_KEY"
	envKeyAnthropicModel     = "ANTHROPIC_MODEL"
	envKeyAnthropicBaseURL   = "ANTHROPIC_BASE_URL"
	envKeyAnthropicMaxTokens = "ANTHROPIC_MAX_TOKENS"
	envKeyOllamaBaseURL      = "OLLAMA_BASE_URL"
	envKeyOllamaChatModel    = "OLLAMA_CHAT_MODEL"

	envKeyMaxIterations = "AGENT_MAX_ITERATIONS"
	envKeyMaxTextBytes  = "AGENT_MAX_TEXT_BYTES"
	envKeySystemPrompt  = "AGENT_SYSTEM_PROMPT"
	envKeyHost          = "AGENT_HOST_DESCRIPTION"
	envKeyLanguage      = "AGENT_LANGUAGE"

	envKeyPolicyEnabled = "POLICY_ENABLED"
	envKeyPolicyFile    = "POLICY_FILE"

	envKeyLogLevel  = "LOG_LEVEL"
	envKeyLogFormat = "LOG_FORMAT"

	envKeyOperatorUsername     = "OPERATOR_USERNAME"
	envKeyOperatorPasswordHash = "OPERATOR_PASSWORD_HASH"
	envKeyJWTSecret            = "JWT_SECRET"
	envKeyJWTExpiry            = "JWT_EXPIRY"

	envKeyToolsBash     = "TOOLS_BASH"
	envKeyToolsEditor   = "TOOLS_EDITOR"
	envKeyToolsComputer = "TOOLS_COMPUTER"
	envKeyBashTimeout   = "BASH_TIMEOUT"
	envKeyDisplay       = "DISPLAY"
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Path: "./data/remoteagent.db"},
		Store: StoreConfig{
			Kind:             StoreSQLite,
			MaxMessages:      24,
			MaxConversations: 256,
			TTL:              24 * time.Hour,
		},
		LLM: LLMConfig{
			Provider: ProviderAnthropic,
			Anthropic: AnthropicConfig{
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 8192,
				Timeout:   5 * time.Minute,
			},
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3.2:3b",
			},
		},
		Agent: AgentConfig{
			MaxIterations: 25,
			MaxTextBytes:  50000,
		},
		Policy: PolicyConfig{Enabled: true},
		Log:    LogConfig{Level: "info", Format: "text"},
		Auth: AuthConfig{
			Username:  "operator",
			JWTExpiry: 24 * time.Hour,
		},
		Tools: ToolsConfig{
			Bash:        true,
			Editor:      true,
			Computer:    true,
			BashTimeout: 30 * time.Second,
			Display:     ":0",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// REMOTEAGENT_CONFIG when path is empty) and the environment. The result
// is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envKeyConfigFile)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg with every environment variable that is set.
func applyEnv(cfg *Config) error {
	var errs []error
	setString := func(key string, dst *string) {
		*dst = envOr(key, *dst)
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString(envKeyServerHost, &cfg.Server.Host)
	setInt(envKeyPort, &cfg.Server.Port)

	setString(envKeyDatabasePath, &cfg.Database.Path)

	setString(envKeyStoreKind, &cfg.Store.Kind)
	setInt(envKeyStoreMaxMessages, &cfg.Store.MaxMessages)

	setString(envKeyLLMProvider, &cfg.LLM.Provider)
	setString(envKeyLLMFallback, &cfg.LLM.Fallback)
	setString(envKeyAnthropicAPIKey, &cfg.LLM.Anthropic.APIKey)
	setString(envKeyAnthropicModel, &cfg.LLM.Anthropic.Model)
	setString(envKeyAnthropicBaseURL, &cfg.LLM.Anthropic.BaseURL)
	setInt(envKeyAnthropicMaxTokens, &cfg.LLM.Anthropic.MaxTokens)
	setString(envKeyOllamaBaseURL, &cfg.LLM.Ollama.BaseURL)
	setString(envKeyOllamaChatModel, &cfg.LLM.Ollama.Model)

	setInt(envKeyMaxIterations, &cfg.Agent.MaxIterations)
	setInt(envKeyMaxTextBytes, &cfg.Agent.MaxTextBytes)
	setString(envKeySystemPrompt, &cfg.Agent.SystemPrompt)
	setString(envKeyHost, &cfg.Agent.Host)
	setString(envKeyLanguage, &cfg.Agent.Language)

	setBool(envKeyPolicyEnabled, &cfg.Policy.Enabled)
	setString(envKeyPolicyFile, &cfg.Policy.File)

	setString(envKeyLogLevel, &cfg.Log.Level)
	setString(envKeyLogFormat, &cfg.Log.Format)

	setString(envKeyOperatorUsername, &cfg.Auth.Username)
	setString(envKeyOperatorPasswordHash, &cfg.Auth.PasswordHash)
	setString(envKeyJWTSecret, &cfg.Auth.JWTSecret)
	setDuration(envKeyJWTExpiry, &cfg.Auth.JWTExpiry)

	setBool(envKeyToolsBash, &cfg.Tools.Bash)
	setBool(envKeyToolsEditor, &cfg.Tools.Editor)
	setBool(envKeyToolsComputer, &cfg.Tools.Computer)
	setDuration(envKeyBashTimeout, &cfg.Tools.BashTimeout)
	setString(envKeyDisplay, &cfg.Tools.Display)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("90m") and bare hours ("24"), the
// latter kept for JWT_EXPIRY compatibility.
func parseDuration(v string) (time.Duration, error) {
	if hours, err := strconv.Atoi(v); err == nil {
		return time.Duration(hours) * time.Hour, nil
	}
	return time.ParseDuration(v)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Kind {
	case StoreMemory, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.kind %q: want %s or %s", c.Store.Kind, StoreMemory, StoreSQLite))
	}
	if c.Store.Kind == StoreSQLite && c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required for the sqlite store"))
	}
	if c.Store.MaxMessages < 0 {
		errs = append(errs, errors.New("store.max_messages must not be negative"))
	}

	if !isProvider(c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q: want %s or %s", c.LLM.Provider, ProviderAnthropic, ProviderOllama))
	}
	if c.LLM.Fallback != "" && (!isProvider(c.LLM.Fallback) || c.LLM.Fallback == c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.fallback %q must be a different provider", c.LLM.Fallback))
	}
	if c.uses(ProviderAnthropic) && c.LLM.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("llm.anthropic.api_key (ANTHROPIC_API_KEY) is required"))
	}
	if c.uses(ProviderOllama) && c.LLM.Ollama.BaseURL == "" {
		errs = append(errs, errors.New("llm.ollama.base_url is required"))
	}

	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, errors.New("agent.max_iterations must be positive"))
	}
	if c.Agent.MaxTextBytes <= 0 {
		errs = append(errs, errors.New("agent.max_text_bytes must be positive"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}

	for i, s := range c.MCP {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: name and command are required", i))
		}
	}

	return errors.Join(errs...)
}

// ValidateServe adds the checks only the HTTP server needs.
func (c Config) ValidateServe() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required"))
	}
	if c.Auth.PasswordHash == "" {
		errs = append(errs, errors.New("auth.password_hash (OPERATOR_PASSWORD_HASH) is required"))
	}
	return errors.Join(errs...)
}

func (c Config) uses(provider string) bool {
	return c.LLM.Provider == provider || c.LLM.Fallback == provider
}

func isProvider(p string) bool {
	return p == ProviderAnthropic || p == ProviderOllama
}

// envOr returns the value of the environment variable key, or fallback if not set.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
