package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func textHandler(s string) Handler {
	return HandlerFunc(func(_ context.Context, _ json.RawMessage) (Result, error) {
		return Text(s), nil
	})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Contract{Name: "bash", Description: "shell", Handler: textHandler("ok")}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	c, err := r.Lookup("bash")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if string(c.InputSchema) != emptyObjectSchema {
		t.Errorf("expected default schema, got %s", c.InputSchema)
	}
	res, _ := c.Handler.Execute(context.Background(), nil)
	if res.Text() != "ok" {
		t.Errorf("expected handler result ok, got %q", res.Text())
	}
}

func TestRegistry_Register_LastWriteWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(Contract{Name: "bash", Handler: textHandler("first")})
	_ = r.Register(Contract{Name: "bash", Handler: textHandler("second")})

	if r.Len() != 1 {
		t.Fatalf("expected 1 tool, got %d", r.Len())
	}
	c, _ := r.Lookup("bash")
	res, _ := c.Handler.Execute(context.Background(), nil)
	if res.Text() != "second" {
		t.Errorf("expected second registration to win, got %q", res.Text())
	}
}

func TestRegistry_Lookup_CaseSensitive(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(Contract{Name: "bash", Handler: textHandler("ok")})

	_, err := r.Lookup("Bash")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistry_Register_RejectsInvalidContracts(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cases := []Contract{
		{Name: "", Handler: textHandler("x")},
		{Name: "nohandler"},
		{Name: "badschema", Handler: textHandler("x"), InputSchema: json.RawMessage(`{`)},
	}
	for _, c := range cases {
		if err := r.Register(c); !errors.Is(err, ErrInvalidContract) {
			t.Errorf("Register(%q): expected ErrInvalidContract, got %v", c.Name, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_SchemasSortedByName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"str_replace_editor", "bash", "computer"} {
		_ = r.Register(Contract{Name: name, Handler: textHandler(name)})
	}

	schemas := r.Schemas()
	want := []string{"bash", "computer", "str_replace_editor"}
	if len(schemas) != len(want) {
		t.Fatalf("expected %d schemas, got %d", len(want), len(schemas))
	}
	for i, s := range schemas {
		if s.Name != want[i] {
			t.Errorf("schemas[%d]=%q want %q", i, s.Name, want[i])
		}
	}
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(Contract{Name: "bash", Handler: textHandler("ok")})

	if !r.Unregister("bash") {
		t.Fatal("expected Unregister to report removal")
	}
	if r.Unregister("bash") {
		t.Error("second Unregister must report false")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(Contract{Name: "bash", Handler: textHandler("ok")})
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Lookup("bash")
			_ = r.Schemas()
		}()
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Errorf("expected 1 tool, got %d", r.Len())
	}
}

// ===== ValidateInput =====

func TestValidateInput(t *testing.T) {
	t.Parallel()

	c := Contract{
		Name:        "bash",
		InputSchema: json.RawMessage(`{"type":"object","required":["command"],"properties":{"command":{"type":"string"},"timeout":{"type":"integer"}},"additionalProperties":false}`),
	}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", `{"command":"ls"}`, false},
		{"valid with optional", `{"command":"ls","timeout":5}`, false},
		{"missing required", `{"timeout":5}`, true},
		{"unknown field", `{"command":"ls","shell":"zsh"}`, true},
		{"not an object", `["ls"]`, true},
		{"wrong type", `{"command":42}`, true},
		{"fractional integer", `{"command":"ls","timeout":1.5}`, true},
		{"whole float is integer", `{"command":"ls","timeout":2.0}`, false},
		{"null optional skipped", `{"command":"ls","timeout":null}`, false},
	}
	for _, tt := range tests {
		err := ValidateInput(c, json.RawMessage(tt.input))
		if tt.wantErr && !errors.Is(err, ErrToolValidationFailed) {
			t.Errorf("%s: expected ErrToolValidationFailed, got %v", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
	}
}

func TestResult_Constructors(t *testing.T) {
	t.Parallel()

	if Text("a").Kind() != KindText || Text("a").IsError() {
		t.Error("Text must be KindText")
	}
	if r := Textf("n=%d", 2); r.Kind() != KindText || r.Text() != "n=2" {
		t.Errorf("unexpected Textf result: %v %q", r.Kind(), r.Text())
	}
	if e := Errorf("boom %d", 1); e.Kind() != KindError || e.Text() != "boom 1" {
		t.Errorf("unexpected Errorf result: %v %q", e.Kind(), e.Text())
	}
	data, mt := Image([]byte{1}, "image/png").ImageData()
	if len(data) != 1 || mt != "image/png" {
		t.Errorf("unexpected image data: %v %q", data, mt)
	}
	if Value(42).Value() != 42 {
		t.Error("Value must round-trip its payload")
	}
	var zero Result
	if zero.Kind() != KindText {
		t.Errorf("zero Result must be text, got %v", zero.Kind())
	}
}
