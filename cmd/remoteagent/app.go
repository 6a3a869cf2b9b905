package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/opirc/remoteagent/internal/api"
	"github.com/opirc/remoteagent/internal/domain/agent"
	"github.com/opirc/remoteagent/internal/domain/conversation"
	"github.com/opirc/remoteagent/internal/domain/policy"
	"github.com/opirc/remoteagent/internal/domain/tool"
	"github.com/opirc/remoteagent/internal/infra/config"
	"github.com/opirc/remoteagent/internal/infra/eventbus"
	"github.com/opirc/remoteagent/internal/infra/llm"
	"github.com/opirc/remoteagent/internal/infra/mcp"
	"github.com/opirc/remoteagent/internal/infra/metrics"
	"github.com/opirc/remoteagent/internal/infra/sqlite"
	"github.com/opirc/remoteagent/internal/server"
	"github.com/opirc/remoteagent/internal/tools/bash"
	"github.com/opirc/remoteagent/internal/tools/computer"
	"github.com/opirc/remoteagent/internal/tools/editor"
	pkgauth "github.com/opirc/remoteagent/pkg/auth"
)

// app is the fully wired process.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *sql.DB
	mcp        *mcp.Pool
	controller *agent.Controller
	handler    http.Handler
}

// newApp builds every component from cfg. On error, whatever was opened
// is closed again.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.db, err = openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	var store conversation.Store
	if cfg.Store.Kind == config.StoreSQLite {
		store = conversation.NewSQLStore(a.db)
	} else {
		store = conversation.NewMemoryStore(cfg.Store.MaxConversations, cfg.Store.TTL)
	}

	registry := tool.NewRegistry()
	if err := registerBuiltins(registry, cfg.Tools); err != nil {
		return nil, err
	}
	a.mcp, err = mcp.RegisterAll(ctx, registry, mcpSpecs(cfg.MCP), logger)
	if err != nil {
		// connected servers stay registered
		logger.WarnContext(ctx, "some mcp servers failed to connect", slog.Any("error", err))
	}

	provider := buildProvider(cfg.LLM)

	bus := eventbus.New()
	m := metrics.New()
	m.GaugeFunc("eventbus_dropped_events", "Events dropped because a subscriber was full.", func() float64 {
		return float64(bus.Dropped())
	})
	m.GaugeFunc("registered_tools", "Tools in the registry.", func() float64 {
		return float64(registry.Len())
	})

	runs := agent.NewRunLog(a.db)
	opts := []agent.Option{
		agent.WithObserver(agent.Observers{agent.NewLogObserver(logger), m, agent.NewBusObserver(bus)}),
		agent.WithRunRecorder(runs),
		agent.WithLogger(logger),
	}
	if cfg.Policy.Enabled {
		engine, err := policy.LoadEngine(ctx, cfg.Policy.File)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithToolGate(engine))
		logger.InfoContext(ctx, "tool policy loaded", slog.String("source", engine.Source()))
	}

	a.controller = agent.NewController(provider, store, registry, agentConfig(cfg, registry), opts...)

	issuer, err := pkgauth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)
	if err != nil {
		return nil, err
	}

	a.handler = api.NewRouter(api.Deps{
		Agent:        a.controller,
		Runs:         runs,
		Bus:          bus,
		Tokens:       issuer,
		Operator:     cfg.Auth.Username,
		PasswordHash: cfg.Auth.PasswordHash,
		Metrics:      m,
		Ready:        provider.HealthCheck,
		Logger:       logger,
	})

	meta := provider.ModelInfo()
	logger.InfoContext(ctx, "agent ready",
		slog.String("provider", meta.Provider),
		slog.String("model", meta.ID),
		slog.Int("tools", registry.Len()),
		slog.String("store", cfg.Store.Kind),
	)
	return a, nil
}

// run serves until ctx is cancelled, then shuts down within the
// configured timeout.
func (a *app) run(ctx context.Context) error {
	srv := server.NewServer(a.handler, server.Config{
		Host:         a.cfg.Server.Host,
		Port:         a.cfg.Server.Port,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}, a.logger, a.close)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		return errors.Join(err, a.close())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) close() error {
	var errs []error
	if a.mcp != nil {
		errs = append(errs, a.mcp.Close())
		a.mcp = nil
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}

// openDatabase opens the configured SQLite file with migrations applied.
// Without a path the run log lives in memory.
func openDatabase(cfg config.Config) (*sql.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		return sqlite.Open(sqlite.MemoryPath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return sqlite.Open(path)
}

func registerBuiltins(reg *tool.Registry, cfg config.ToolsConfig) error {
	var contracts []tool.Contract
	if cfg.Bash {
		contracts = append(contracts, bash.New(bash.Config{Timeout: cfg.BashTimeout, Display: cfg.Display}).Contract())
	}
	if cfg.Editor {
		contracts = append(contracts, editor.New(editor.Config{}).Contract())
	}
	if cfg.Computer {
		contracts = append(contracts, computer.New(computer.Config{Display: cfg.Display}).Contract())
	}
	for _, c := range contracts {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func mcpSpecs(servers []config.MCPServer) []mcp.ServerSpec {
	specs := make([]mcp.ServerSpec, 0, len(servers))
	for _, s := range servers {
		specs = append(specs, mcp.ServerSpec{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			Timeout: s.Timeout,
		})
	}
	return specs
}

// buildProvider returns a router over the primary provider and the
// optional fallback.
func buildProvider(cfg config.LLMConfig) llm.Provider {
	providers := make(map[string]llm.Provider, 2)
	add := func(name string) {
		switch name {
		case config.ProviderAnthropic:
			providers[name] = llm.NewAnthropicProvider(llm.AnthropicConfig{
				APIKey:    cfg.Anthropic.APIKey,
				Model:     cfg.Anthropic.Model,
				BaseURL:   cfg.Anthropic.BaseURL,
				MaxTokens: cfg.Anthropic.MaxTokens,
				Timeout:   cfg.Anthropic.Timeout,
			})
		case config.ProviderOllama:
			providers[name] = llm.NewOllamaProvider(cfg.Ollama.BaseURL, cfg.Ollama.Model)
		}
	}

	add(cfg.Provider)
	var fallbacks []string
	if cfg.Fallback != "" {
		add(cfg.Fallback)
		fallbacks = append(fallbacks, cfg.Fallback)
	}
	return llm.NewRouter(providers, cfg.Provider, fallbacks...)
}

func agentConfig(cfg config.Config, reg *tool.Registry) agent.Config {
	ac := agent.DefaultConfig()
	ac.MaxIterations = cfg.Agent.MaxIterations
	ac.MaxTextBytes = cfg.Agent.MaxTextBytes
	if cfg.LLM.Anthropic.MaxTokens > 0 {
		ac.MaxTokens = cfg.LLM.Anthropic.MaxTokens
	}
	ac.Trim = conversation.TrimPolicy{MaxMessages: cfg.Store.MaxMessages}

	ac.SystemPrompt = cfg.Agent.SystemPrompt
	if ac.SystemPrompt == "" {
		var names []string
		for _, c := range reg.List() {
			names = append(names, c.Name)
		}
		ac.SystemPrompt = agent.BuildSystemPrompt(agent.PromptOptions{
			Host:     cfg.Agent.Host,
			Language: cfg.Agent.Language,
			Tools:    names,
		})
	}
	return ac
}
