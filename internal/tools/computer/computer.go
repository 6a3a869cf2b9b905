// Package computer drives the X display with xdotool and captures
// screenshots for the model.
package computer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/opirc/remoteagent/internal/domain/tool"
)

const (
	Name = "computer"

	// MaxLongSide bounds the longer edge of screenshots sent to the model.
	MaxLongSide = 1280

	DefaultCommandTimeout = 10 * time.Second
	defaultScrollAmount   = 3
)

const description = `Control the computer with mouse, keyboard and screenshots.

Actions:
- screenshot: capture the screen (downscaled automatically)
- mouse_move: move the cursor to coordinate [x,y]
- left_click/right_click/middle_click: click, optionally at coordinate
- double_click/triple_click: multiple clicks
- left_click_drag: drag from start_coordinate to end_coordinate
- scroll: scroll (direction "up"/"down"/"left"/"right", amount = clicks)
- type: type text
- key: press a key or combo (e.g. "Return", "ctrl+c")
- cursor_position: current cursor position
- get_active_window: title of the focused window

Coordinates refer to the most recent screenshot. Always take a screenshot
before clicking to confirm positions.`

const inputSchema = `{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["screenshot", "mouse_move", "left_click", "right_click", "middle_click",
               "double_click", "triple_click", "left_click_drag", "scroll", "type",
               "key", "cursor_position", "get_active_window"]
    },
    "coordinate": {"type": "array", "items": {"type": "integer"}, "description": "[x, y]"},
    "start_coordinate": {"type": "array", "items": {"type": "integer"}},
    "end_coordinate": {"type": "array", "items": {"type": "integer"}},
    "text": {"type": "string"},
    "key": {"oneOf": [{"type": "string"}, {"type": "array", "items": {"type": "string"}}]},
    "direction": {"type": "string", "enum": ["up", "down", "left", "right"]},
    "amount": {"type": "integer"}
  },
  "required": ["action"]
}`

var keyNames = map[string]string{
	"enter": "Return", "return": "Return",
	"escape": "Escape", "esc": "Escape",
	"tab":       "Tab",
	"space":     "space",
	" ":         "space",
	"backspace": "BackSpace",
	"delete":    "Delete", "del": "Delete",
	"up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"home": "Home", "end": "End",
	"pageup": "Page_Up", "page_up": "Page_Up",
	"pagedown": "Page_Down", "page_down": "Page_Down",
	"super": "super", "win": "super", "meta": "super",
	"ctrl": "ctrl", "control": "ctrl",
	"alt":   "alt",
	"shift": "shift",
}

var scrollButtons = map[string]string{"up": "4", "down": "5", "left": "6", "right": "7"}

var clickButtons = map[string]string{"left": "1", "middle": "2", "right": "3"}

// Runner executes an external command. stdin may be empty.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)
}

type Config struct {
	Display string // exported as DISPLAY, default :0
	TempDir string // where raw captures are written, default os.TempDir()
	Timeout time.Duration
	Runner  Runner
}

// Tool keeps the scale of the last screenshot so model coordinates can be
// mapped back to screen pixels.
type Tool struct {
	cfg    Config
	runner Runner

	mu     sync.Mutex
	scaleX float64
	scaleY float64
}

func New(cfg Config) *Tool {
	if cfg.Display == "" {
		cfg.Display = ":0"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	r := cfg.Runner
	if r == nil {
		r = execRunner{display: cfg.Display}
	}
	return &Tool{cfg: cfg, runner: r, scaleX: 1, scaleY: 1}
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
	Action          string          `json:"action"`
	Coordinate      []int           `json:"coordinate"`
	StartCoordinate []int           `json:"start_coordinate"`
	EndCoordinate   []int           `json:"end_coordinate"`
	Text            string          `json:"text"`
	Key             json.RawMessage `json:"key"`
	Direction       string          `json:"direction"`
	Amount          int             `json:"amount"`
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (tool.Result, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return tool.Result{}, fmt.Errorf("computer: invalid input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	switch in.Action {
	case "screenshot":
		return t.screenshot(ctx)
	case "mouse_move":
		if len(in.Coordinate) != 2 {
			return tool.Error("coordinate [x, y] is required"), nil
		}
		x, y := t.toScreen(in.Coordinate)
		if err := t.xdotool(ctx, "mousemove", itoa(x), itoa(y)); err != nil {
			return tool.Errorf("mouse_move: %v", err), nil
		}
		return tool.Textf("moved to (%d, %d)", in.Coordinate[0], in.Coordinate[1]), nil
	case "left_click", "right_click", "middle_click":
		return t.click(ctx, in, strings.TrimSuffix(in.Action, "_click"), 1)
	case "double_click":
		return t.click(ctx, in, "left", 2)
	case "triple_click":
		return t.click(ctx, in, "left", 3)
	case "left_click_drag":
		return t.drag(ctx, in)
	case "scroll":
		return t.scroll(ctx, in)
	case "type":
		if in.Text == "" {
			return tool.Error("text is required"), nil
		}
		if _, err := t.runner.Run(ctx, in.Text, "xdotool", "type", "--clearmodifiers", "--delay", "12", "--file", "-"); err != nil {
			return tool.Errorf("type: %v", err), nil
		}
		return tool.Textf("typed %d characters", len([]rune(in.Text))), nil
	case "key":
		combo, err := parseKey(in.Key)
		if err != nil {
			return tool.Error(err.Error()), nil
		}
		if err := t.xdotool(ctx, "key", "--clearmodifiers", combo); err != nil {
			return tool.Errorf("key: %v", err), nil
		}
		return tool.Textf("pressed %s", combo), nil
	case "cursor_position":
		return t.cursorPosition(ctx)
	case "get_active_window":
		out, err := t.runner.Run(ctx, "", "xdotool", "getactivewindow", "getwindowname")
		if err != nil {
			return tool.Errorf("get_active_window: %v", err), nil
		}
		return tool.Value(map[string]string{"title": strings.TrimSpace(string(out))}), nil
	case "":
		return tool.Error("action is required"), nil
	default:
		return tool.Errorf("unknown action: %s", in.Action), nil
	}
}

func (t *Tool) click(ctx context.Context, in input, button string, count int) (tool.Result, error) {
	if len(in.Coordinate) == 2 {
		x, y := t.toScreen(in.Coordinate)
		if err := t.xdotool(ctx, "mousemove", itoa(x), itoa(y)); err != nil {
			return tool.Errorf("%s: %v", in.Action, err), nil
		}
	}
	args := []string{"click"}
	if count > 1 {
		args = append(args, "--repeat", itoa(count), "--delay", "80")
	}
	args = append(args, clickButtons[button])
	if err := t.xdotool(ctx, args...); err != nil {
		return tool.Errorf("%s: %v", in.Action, err), nil
	}
	return tool.Textf("%s click x%d", button, count), nil
}

func (t *Tool) drag(ctx context.Context, in input) (tool.Result, error) {
	if len(in.StartCoordinate) != 2 || len(in.EndCoordinate) != 2 {
		return tool.Error("start_coordinate and end_coordinate are required"), nil
	}
	sx, sy := t.toScreen(in.StartCoordinate)
	ex, ey := t.toScreen(in.EndCoordinate)
	err := t.xdotool(ctx, "mousemove", itoa(sx), itoa(sy), "mousedown", "1",
		"mousemove", "--sync", itoa(ex), itoa(ey), "mouseup", "1")
	if err != nil {
		return tool.Errorf("left_click_drag: %v", err), nil
	}
	return tool.Textf("dragged from (%d, %d) to (%d, %d)",
		in.StartCoordinate[0], in.StartCoordinate[1], in.EndCoordinate[0], in.EndCoordinate[1]), nil
}

func (t *Tool) scroll(ctx context.Context, in input) (tool.Result, error) {
	dir := in.Direction
	if dir == "" {
		dir = "down"
	}
	btn, ok := scrollButtons[dir]
	if !ok {
		return tool.Errorf("invalid direction: %s", dir), nil
	}
	amount := in.Amount
	if amount <= 0 {
		amount = defaultScrollAmount
	}
	if len(in.Coordinate) == 2 {
		x, y := t.toScreen(in.Coordinate)
		if err := t.xdotool(ctx, "mousemove", itoa(x), itoa(y)); err != nil {
			return tool.Errorf("scroll: %v", err), nil
		}
	}
	if err := t.xdotool(ctx, "click", "--repeat", itoa(amount), "--delay", "40", btn); err != nil {
		return tool.Errorf("scroll: %v", err), nil
	}
	return tool.Textf("scrolled %s x%d", dir, amount), nil
}

var locationRe = regexp.MustCompile(`(?m)^([XY])=(\d+)$`)

func (t *Tool) cursorPosition(ctx context.Context) (tool.Result, error) {
	out, err := t.runner.Run(ctx, "", "xdotool", "getmouselocation", "--shell")
	if err != nil {
		return tool.Errorf("cursor_position: %v", err), nil
	}
	pos := map[string]int{"x": 0, "y": 0}
	for _, m := range locationRe.FindAllStringSubmatch(string(out), -1) {
		v, _ := strconv.Atoi(m[2])
		pos[strings.ToLower(m[1])] = v
	}
	x, y := t.toModel(pos["x"], pos["y"])
	return tool.Value(map[string]int{"x": x, "y": y}), nil
}

// screenshot captures with scrot, falling back to ImageMagick import, and
// returns a PNG no larger than MaxLongSide on its long edge.
func (t *Tool) screenshot(ctx context.Context) (tool.Result, error) {
	path := filepath.Join(t.cfg.TempDir, fmt.Sprintf("screenshot-%d.png", time.Now().UnixNano()))
	defer os.Remove(path) //nolint:errcheck

	if _, err := t.runner.Run(ctx, "", "scrot", "-o", path); err != nil {
		if _, err2 := t.runner.Run(ctx, "", "import", "-window", "root", path); err2 != nil {
			return tool.Errorf("screenshot failed: %v", err2), nil
		}
	}

	f, err := os.Open(path) // #nosec G304 -- path is generated above
	if err != nil {
		return tool.Errorf("screenshot failed: %v", err), nil
	}
	src, _, err := image.Decode(f)
	f.Close() //nolint:errcheck
	if err != nil {
		return tool.Errorf("screenshot failed: decode: %v", err), nil
	}

	scaled := downscale(src, MaxLongSide)
	sb, db := src.Bounds(), scaled.Bounds()
	t.mu.Lock()
	t.scaleX = float64(sb.Dx()) / float64(db.Dx())
	t.scaleY = float64(sb.Dy()) / float64(db.Dy())
	t.mu.Unlock()

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return tool.Result{}, fmt.Errorf("computer: encode screenshot: %w", err)
	}
	return tool.Image(buf.Bytes(), "image/png"), nil
}

// downscale keeps the aspect ratio; images already within bound are
// returned unchanged.
func downscale(src image.Image, longSide int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if max(w, h) <= longSide {
		return src
	}
	ratio := float64(longSide) / float64(max(w, h))
	dw := max(1, int(math.Round(float64(w)*ratio)))
	dh := max(1, int(math.Round(float64(h)*ratio)))
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func (t *Tool) toScreen(c []int) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(math.Round(float64(c[0]) * t.scaleX)), int(math.Round(float64(c[1]) * t.scaleY))
}

func (t *Tool) toModel(x, y int) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(math.Round(float64(x) / t.scaleX)), int(math.Round(float64(y) / t.scaleY))
}

func (t *Tool) xdotool(ctx context.Context, args ...string) error {
	_, err := t.runner.Run(ctx, "", "xdotool", args...)
	return err
}

// parseKey accepts "Return", "ctrl+c" or ["ctrl", "c"].
func parseKey(raw json.RawMessage) (string, error) {
	var parts []string
	var s string
	switch {
	case len(raw) == 0 || string(raw) == "null":
		return "", fmt.Errorf("key is required")
	case json.Unmarshal(raw, &s) == nil:
		parts = strings.Split(s, "+")
	case json.Unmarshal(raw, &parts) == nil:
	default:
		return "", fmt.Errorf("key must be a string or an array of strings")
	}

	mapped := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != " " {
			p = strings.TrimSpace(p)
		}
		if p == "" {
			continue
		}
		mapped = append(mapped, mapKey(p))
	}
	if len(mapped) == 0 {
		return "", fmt.Errorf("key is required")
	}
	return strings.Join(mapped, "+"), nil
}

func mapKey(k string) string {
	if v, ok := keyNames[strings.ToLower(k)]; ok {
		return v
	}
	return k
}

func itoa(n int) string { return strconv.Itoa(n) }
