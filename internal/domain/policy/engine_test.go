package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), "")
	require.NoError(t, err)
	return e
}

func bashInput(cmd string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"command": cmd})
	return raw
}

func TestDefaultPolicy_Bash(t *testing.T) {
	e := newDefaultEngine(t)

	tests := []struct {
		name    string
		command string
		allow   bool
	}{
		{name: "listing", command: "ls -la /home", allow: true},
		{name: "rm in tmp", command: "rm -rf /tmp/build", allow: true},
		{name: "rm root", command: "rm -rf /", allow: false},
		{name: "rm root glob", command: "rm -rf /*", allow: false},
		{name: "rm root then more", command: "rm -fr / ; echo done", allow: false},
		{name: "mkfs", command: "mkfs.ext4 /dev/sda1", allow: false},
		{name: "dd to disk", command: "dd if=/dev/zero of=/dev/mmcblk0 bs=1M", allow: false},
		{name: "dd to file", command: "dd if=/dev/zero of=/tmp/img bs=1M count=1", allow: true},
		{name: "redirect to disk", command: "echo x > /dev/sda", allow: false},
		{name: "fork bomb", command: ":(){ :|:& };:", allow: false},
		{name: "chmod root", command: "chmod -R 777 /", allow: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), "bash", bashInput(tt.command))
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow, "reason: %s", d.Reason)
			if !tt.allow {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestDefaultPolicy_Editor(t *testing.T) {
	e := newDefaultEngine(t)

	tests := []struct {
		path  string
		allow bool
	}{
		{path: "/home/pi/notes.txt", allow: true},
		{path: "/etc/shadow", allow: false},
		{path: "/etc/shadow-backup", allow: true},
		{path: "/tmp/../etc/shadow", allow: false},
		{path: "/etc//shadow", allow: false},
		{path: "/etc/../etc/shadow", allow: false},
		{path: "/root/.ssh/authorized_keys", allow: false},
		{path: "/home/pi/server.PEM", allow: false},
		{path: "/boot/config.txt", allow: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			raw, _ := json.Marshal(map[string]string{"command": "view", "path": tt.path})
			allowed, reason, err := e.Allow(context.Background(), "str_replace_editor", raw)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, allowed, "reason: %s", reason)
		})
	}
}

func TestDefaultPolicy_OtherToolsAllowed(t *testing.T) {
	e := newDefaultEngine(t)
	allowed, reason, err := e.Allow(context.Background(), "computer", json.RawMessage(`{"action":"screenshot"}`))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, reason)

	allowed, _, err = e.Allow(context.Background(), "computer", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestEngine_RejectsNonObjectInput(t *testing.T) {
	e := newDefaultEngine(t)
	_, _, err := e.Allow(context.Background(), "bash", json.RawMessage(`["ls"]`))
	assert.Error(t, err)
}

func TestEngine_CustomPolicy(t *testing.T) {
	module := `package remoteagent.tools

decision := {"allow": input.tool != "bash", "reason": "shell disabled"}
`
	e, err := NewEngine(context.Background(), module)
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), "bash", bashInput("ls"))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "shell disabled", d.Reason)
}

func TestEngine_UndefinedDecision(t *testing.T) {
	e, err := NewEngine(context.Background(), "package remoteagent.tools\n\nother := 1\n")
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "bash", bashInput("ls"))
	assert.ErrorIs(t, err, ErrNoDecision)
}

func TestEngine_MalformedDecision(t *testing.T) {
	e, err := NewEngine(context.Background(), "package remoteagent.tools\n\ndecision := \"allow\"\n")
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "bash", bashInput("ls"))
	assert.Error(t, err)
}

func TestNewEngine_CompileError(t *testing.T) {
	_, err := NewEngine(context.Background(), "package remoteagent.tools\n\ndecision := {")
	assert.Error(t, err)
}

func TestLoadEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.rego")
	require.NoError(t, os.WriteFile(path, []byte(`package remoteagent.tools

decision := {"allow": false, "reason": "read only"}
`), 0o600))

	e, err := LoadEngine(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "tools.rego", e.Source())

	allowed, reason, err := e.Allow(context.Background(), "computer", nil)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, "read only", reason)

	_, err = LoadEngine(context.Background(), filepath.Join(dir, "missing.rego"))
	assert.Error(t, err)

	def, err := LoadEngine(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "default.rego", def.Source())
}
