// Package bash runs shell commands on the host for the model.
package bash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/opirc/remoteagent/internal/domain/tool"
)

const (
	Name = "bash"

	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 100000

	stderrSeparator = "\n--- stderr ---\n"
	truncatedMarker = "\n... (truncated)"
)

const description = `Run a bash command on the host.

Examples:
- Install packages: "sudo apt install -y htop"
- List files: "ls -la /home"
- System status: "free -h && df -h && uptime"
- Services: "sudo systemctl status nginx"
- Processes: "ps aux | head -20"

Default timeout 30s. Destructive commands are blocked.`

const inputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "description": "Bash command to run"},
    "timeout": {"type": "number", "description": "Timeout in milliseconds (default 30000)"}
  },
  "required": ["command"]
}`

type Config struct {
	Shell      string        // default /bin/bash
	Timeout    time.Duration // per-call default
	MaxTimeout time.Duration // upper bound for a requested timeout; 0 means 10x Timeout
	MaxOutput  int           // bytes kept from each stream
	Display    string        // exported as DISPLAY
	Dir        string        // working directory, default $HOME
}

type Tool struct {
	cfg Config
}

func New(cfg Config) *Tool {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 10 * cfg.Timeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.Dir == "" {
		cfg.Dir, _ = os.UserHomeDir()
	}
	return &Tool{cfg: cfg}
}

func (t *Tool) Contract() tool.Contract {
	return tool.Contract{
		Name:        Name,
		Description: description,
		InputSchema: json.RawMessage(inputSchema),
		Handler:     t,
	}
}

type input struct {
	Command string  `json:"command"`
	Timeout float64 `json:"timeout"`
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (tool.Result, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return tool.Result{}, fmt.Errorf("bash: invalid input: %w", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return tool.Error("command is required"), nil
	}

	timeout := t.cfg.Timeout
	if in.Timeout > 0 {
		// clamp in milliseconds first; a huge value would overflow Duration
		ms := min(in.Timeout, float64(t.cfg.MaxTimeout.Milliseconds()))
		timeout = max(time.Duration(ms*float64(time.Millisecond)), time.Millisecond)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: t.cfg.MaxOutput}
	stderr := &cappedBuffer{limit: t.cfg.MaxOutput}

	// #nosec G204 -- running model-chosen commands is this tool's purpose; the policy gate screens them
	cmd := exec.CommandContext(runCtx, t.cfg.Shell, "-c", in.Command)
	cmd.Dir = t.cfg.Dir
	cmd.Env = os.Environ()
	if t.cfg.Display != "" {
		cmd.Env = append(cmd.Env, "DISPLAY="+t.cfg.Display)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	configureProcessGroup(cmd)

	err := cmd.Run()
	output := combine(stdout.String(), stderr.String())

	if ctx.Err() != nil {
		return tool.Result{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return tool.Errorf("timeout after %s\n%s", timeout, output), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return tool.Errorf("exit code %d\n%s", exitErr.ExitCode(), output), nil
	}
	if err != nil {
		return tool.Result{}, fmt.Errorf("bash: %w", err)
	}
	if output == "" {
		output = "(no output)"
	}
	return tool.Text(output), nil
}

func combine(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + stderrSeparator + stderr
	}
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + truncatedMarker
	}
	return string(b.buf)
}
