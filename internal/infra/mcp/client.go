// Package mcp exposes the tools of external MCP servers as tool contracts.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opirc/remoteagent/internal/domain/tool"
	"github.com/opirc/remoteagent/internal/version"
)

const defaultCallTimeout = 60 * time.Second

// ServerSpec describes an MCP server launched as a child process over stdio.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// transportBuilder is replaced in tests with in-memory transports.
var transportBuilder = buildCommandTransport

func buildCommandTransport(spec ServerSpec) (mcpsdk.Transport, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("mcp %s: command is empty", spec.Name)
	}
	// #nosec G204 -- command comes from operator configuration
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// Client is a live session with one MCP server.
type Client struct {
	name    string
	timeout time.Duration
	session *mcpsdk.ClientSession
}

// Connect starts the server and completes the MCP handshake.
func Connect(ctx context.Context, spec ServerSpec) (*Client, error) {
	transport, err := transportBuilder(spec)
	if err != nil {
		return nil, err
	}
	impl := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "remoteagent", Version: version.Version}, nil)
	session, err := impl.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: connect: %w", spec.Name, err)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{name: spec.Name, timeout: timeout, session: session}, nil
}

func (c *Client) Name() string { return c.name }

// Contracts lists the server's tools. Each is named "<server>__<tool>" so
// it cannot collide with built-in tools or other servers.
func (c *Client) Contracts(ctx context.Context) ([]tool.Contract, error) {
	var out []tool.Contract
	for t, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp %s: list tools: %w", c.name, err)
		}
		if t == nil {
			continue
		}
		schema, err := json.Marshal(t.InputSchema)
		if err != nil || string(schema) == "null" {
			schema = nil
		}
		out = append(out, tool.Contract{
			Name:        c.name + "__" + t.Name,
			Description: t.Description,
			InputSchema: schema,
			Handler:     c.handler(t.Name),
		})
	}
	return out, nil
}

func (c *Client) handler(remoteName string) tool.Handler {
	return tool.HandlerFunc(func(ctx context.Context, input json.RawMessage) (tool.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var args map[string]any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				return tool.Result{}, fmt.Errorf("mcp %s: arguments: %w", c.name, err)
			}
		}
		res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: remoteName, Arguments: args})
		if err != nil {
			return tool.Result{}, fmt.Errorf("mcp %s: call %s: %w", c.name, remoteName, err)
		}
		return toResult(res), nil
	})
}

// toResult maps a call result onto the tool result union. A lone image
// stays an image; otherwise text parts are joined and images noted.
func toResult(res *mcpsdk.CallToolResult) tool.Result {
	if res == nil {
		return tool.Text("")
	}

	var texts []string
	var image *mcpsdk.ImageContent
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcpsdk.TextContent:
			texts = append(texts, v.Text)
		case *mcpsdk.ImageContent:
			if image == nil {
				image = v
			} else {
				texts = append(texts, "[image omitted]")
			}
		}
	}

	switch {
	case res.IsError:
		return tool.Error(strings.Join(texts, "\n"))
	case image != nil && len(texts) == 0:
		return tool.Image(image.Data, image.MIMEType)
	case image != nil:
		texts = append(texts, "[image omitted]")
	case len(texts) == 0 && res.StructuredContent != nil:
		return tool.Value(res.StructuredContent)
	}
	return tool.Text(strings.Join(texts, "\n"))
}

func (c *Client) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// Pool holds every connected server.
type Pool struct {
	clients []*Client
}

// RegisterAll connects to each server and registers its tools. A server
// that fails is skipped; the failures are returned joined alongside the
// pool of servers that did connect.
func RegisterAll(ctx context.Context, reg *tool.Registry, specs []ServerSpec, logger *slog.Logger) (*Pool, error) {
	pool := &Pool{}
	var errs []error
	for _, spec := range specs {
		n, client, err := registerOne(ctx, reg, spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pool.clients = append(pool.clients, client)
		logger.InfoContext(ctx, "mcp server connected", slog.String("server", spec.Name), slog.Int("tools", n))
	}
	return pool, errors.Join(errs...)
}

func registerOne(ctx context.Context, reg *tool.Registry, spec ServerSpec) (int, *Client, error) {
	client, err := Connect(ctx, spec)
	if err != nil {
		return 0, nil, err
	}
	contracts, err := client.Contracts(ctx)
	if err != nil {
		_ = client.Close()
		return 0, nil, err
	}
	// a server never shadows a tool that is already registered
	for _, c := range contracts {
		if _, err := reg.Lookup(c.Name); err == nil {
			_ = client.Close()
			return 0, nil, fmt.Errorf("mcp %s: tool %s already registered", spec.Name, c.Name)
		}
	}
	for i, c := range contracts {
		if err := reg.Register(c); err != nil {
			for _, done := range contracts[:i] {
				reg.Unregister(done.Name)
			}
			_ = client.Close()
			return 0, nil, fmt.Errorf("mcp %s: register %s: %w", spec.Name, c.Name, err)
		}
	}
	return len(contracts), client, nil
}

// Servers returns the names of connected servers.
func (p *Pool) Servers() []string {
	names := make([]string, 0, len(p.clients))
	for _, c := range p.clients {
		names = append(names, c.Name())
	}
	return names
}

func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp %s: close: %w", c.Name(), err))
		}
	}
	p.clients = nil
	return errors.Join(errs...)
}
