// Package editor implements str_replace_editor: view, create and edit
// files with per-path undo.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opirc/remoteagent/internal/domain/tool"
)

const (
	Name = "str_replace_editor"

	DefaultMaxFileSize = 2 << 20
	maxUndoDepth       = 10
	maxDirEntries      = 200
	snippetContext     = 4
)

const description = `File editor.

Commands:
- view: show a file with line numbers (optional view_range [start, end], end -1 for EOF) or list a directory
- create: create or overwrite a file with file_text
- str_replace: replace old_str, which must occur exactly once, with new_str
- insert: insert new_str after line insert_line (0 inserts at the top)
- undo_edit: revert the last edit of path`

const inputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "enum": ["view", "create", "str_replace", "insert", "undo_edit"]},
    "path": {"type": "string"},
    "file_text": {"type": "string"},
    "old_str": {"type": "string"},
    "new_str": {"type": "string"},
    "insert_line": {"type": "integer"},
    "view_range": {"type": "array", "items": {"type": "integer"}}
  },
  "required": ["command", "path"]
}`

type Config struct {
	// Dir resolves relative paths; default $HOME.
	Dir         string
	MaxFileSize int64
}

// snapshot is a file's state before an edit.
type snapshot struct {
	existed bool
	content []byte
}

type Tool struct {
	cfg Config

	mu      sync.Mutex
	history map[string][]snapshot
}

func New(cfg Config) *Tool {
	if cfg.Dir == "" {
		cfg.Dir, _ = os.UserHomeDir()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return &Tool{cfg: cfg, history: make(map[string][]snapshot)}
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
	Command    string  `json:"command"`
	Path       string  `json:"path"`
	FileText   *string `json:"file_text"`
	OldStr     *string `json:"old_str"`
	NewStr     *string `json:"new_str"`
	InsertLine *int    `json:"insert_line"`
	ViewRange  []int   `json:"view_range"`
}

func (t *Tool) Execute(_ context.Context, raw json.RawMessage) (tool.Result, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return tool.Result{}, fmt.Errorf("editor: invalid input: %w", err)
	}
	if in.Path == "" {
		return tool.Error("path is required"), nil
	}
	path := t.resolve(in.Path)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch in.Command {
	case "view":
		return t.view(path, in.ViewRange), nil
	case "create":
		if in.FileText == nil {
			return tool.Error("file_text is required for create"), nil
		}
		return t.create(path, *in.FileText), nil
	case "str_replace":
		if in.OldStr == nil || *in.OldStr == "" {
			return tool.Error("old_str is required for str_replace"), nil
		}
		newStr := ""
		if in.NewStr != nil {
			newStr = *in.NewStr
		}
		return t.replace(path, *in.OldStr, newStr), nil
	case "insert":
		if in.InsertLine == nil || in.NewStr == nil {
			return tool.Error("insert_line and new_str are required for insert"), nil
		}
		return t.insert(path, *in.InsertLine, *in.NewStr), nil
	case "undo_edit":
		return t.undo(path), nil
	default:
		return tool.Errorf("unknown command %q", in.Command), nil
	}
}

func (t *Tool) resolve(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(t.cfg.Dir, p)
	}
	return filepath.Clean(p)
}

func (t *Tool) view(path string, viewRange []int) tool.Result {
	info, err := os.Stat(path)
	if err != nil {
		return statError(path, err)
	}
	if info.IsDir() {
		return listDir(path)
	}

	content, errResult := t.read(path)
	if errResult != nil {
		return *errResult
	}
	lines := strings.Split(string(content), "\n")

	start, end := 1, len(lines)
	if len(viewRange) > 0 {
		if len(viewRange) != 2 {
			return tool.Error("view_range must be [start, end]")
		}
		start, end = viewRange[0], viewRange[1]
		if end == -1 {
			end = len(lines)
		}
		if start < 1 || start > len(lines) || end < start || end > len(lines) {
			return tool.Errorf("view_range [%d, %d] outside file of %d lines", viewRange[0], viewRange[1], len(lines))
		}
	}
	return tool.Text(numbered(lines[start-1:end], start))
}

func (t *Tool) create(path, text string) tool.Result {
	if int64(len(text)) > t.cfg.MaxFileSize {
		return tool.Errorf("file_text exceeds %d bytes", t.cfg.MaxFileSize)
	}
	if err := t.remember(path); err != nil {
		return tool.Error(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tool.Error(err.Error())
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return tool.Error(err.Error())
	}
	return tool.Textf("created %s (%d lines)", path, strings.Count(text, "\n")+1)
}

func (t *Tool) replace(path, oldStr, newStr string) tool.Result {
	content, errResult := t.read(path)
	if errResult != nil {
		return *errResult
	}
	text := string(content)

	switch n := strings.Count(text, oldStr); n {
	case 0:
		return tool.Errorf("old_str not found in %s", path)
	case 1:
	default:
		return tool.Errorf("old_str occurs %d times in %s; include more context to make it unique", n, path)
	}

	if err := t.remember(path); err != nil {
		return tool.Error(err.Error())
	}
	at := strings.Index(text, oldStr)
	updated := text[:at] + newStr + text[at+len(oldStr):]
	if err := writeKeepingMode(path, []byte(updated)); err != nil {
		return tool.Error(err.Error())
	}

	line := strings.Count(text[:at], "\n") + 1
	return tool.Textf("edited %s\n%s", path, snippet(updated, line, strings.Count(newStr, "\n")+1))
}

func (t *Tool) insert(path string, after int, newStr string) tool.Result {
	content, errResult := t.read(path)
	if errResult != nil {
		return *errResult
	}
	lines := strings.Split(string(content), "\n")
	if after < 0 || after > len(lines) {
		return tool.Errorf("insert_line %d outside file of %d lines", after, len(lines))
	}

	if err := t.remember(path); err != nil {
		return tool.Error(err.Error())
	}
	inserted := strings.Split(newStr, "\n")
	out := make([]string, 0, len(lines)+len(inserted))
	out = append(out, lines[:after]...)
	out = append(out, inserted...)
	out = append(out, lines[after:]...)
	updated := strings.Join(out, "\n")
	if err := writeKeepingMode(path, []byte(updated)); err != nil {
		return tool.Error(err.Error())
	}
	return tool.Textf("inserted %d lines after line %d of %s\n%s", len(inserted), after, path, snippet(updated, after+1, len(inserted)))
}

func (t *Tool) undo(path string) tool.Result {
	stack := t.history[path]
	if len(stack) == 0 {
		return tool.Errorf("no edit to undo for %s", path)
	}
	prev := stack[len(stack)-1]
	t.history[path] = stack[:len(stack)-1]
	if len(t.history[path]) == 0 {
		delete(t.history, path)
	}

	if !prev.existed {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return tool.Error(err.Error())
		}
		return tool.Textf("undid creation of %s", path)
	}
	if err := writeKeepingMode(path, prev.content); err != nil {
		return tool.Error(err.Error())
	}
	return tool.Textf("restored %s", path)
}

// remember pushes the current state of path onto its undo stack.
func (t *Tool) remember(path string) error {
	snap := snapshot{}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		snap = snapshot{existed: true, content: content}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}
	stack := append(t.history[path], snap)
	if len(stack) > maxUndoDepth {
		stack = stack[len(stack)-maxUndoDepth:]
	}
	t.history[path] = stack
	return nil
}

func (t *Tool) read(path string) ([]byte, *tool.Result) {
	info, err := os.Stat(path)
	if err != nil {
		r := statError(path, err)
		return nil, &r
	}
	if info.IsDir() {
		r := tool.Errorf("%s is a directory", path)
		return nil, &r
	}
	if info.Size() > t.cfg.MaxFileSize {
		r := tool.Errorf("%s is %d bytes, larger than the %d byte limit", path, info.Size(), t.cfg.MaxFileSize)
		return nil, &r
	}
	content, err := os.ReadFile(path)
	if err != nil {
		r := tool.Error(err.Error())
		return nil, &r
	}
	return content, nil
}

func statError(path string, err error) tool.Result {
	if errors.Is(err, fs.ErrNotExist) {
		return tool.Errorf("file not found: %s", path)
	}
	return tool.Error(err.Error())
}

func writeKeepingMode(path string, content []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(path, content, mode)
}

func listDir(path string) tool.Result {
	entries, err := os.ReadDir(path)
	if err != nil {
		return tool.Error(err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", path)
	for i, name := range names {
		if i == maxDirEntries {
			fmt.Fprintf(&b, "... and %d more\n", len(names)-maxDirEntries)
			break
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return tool.Text(strings.TrimRight(b.String(), "\n"))
}

func numbered(lines []string, first int) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6d\t%s", first+i, l)
	}
	return b.String()
}

// snippet shows the edited lines with a few lines of context.
func snippet(text string, line, count int) string {
	lines := strings.Split(text, "\n")
	start := max(1, line-snippetContext)
	end := min(len(lines), line+count-1+snippetContext)
	return numbered(lines[start-1:end], start)
}
