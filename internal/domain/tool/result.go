package tool

import "fmt"

// Kind tags the variant held by a Result.
type Kind int

const (
	KindText Kind = iota
	KindError
	KindImage
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindError:
		return "error"
	case KindImage:
		return "image"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the closed set of shapes a tool may return. Construct it with
// Text, Error, Errorf, Image or Value; the zero value is an empty Text.
type Result struct {
	kind      Kind
	text      string
	data      []byte
	mediaType string
	value     any
}

// Text is a plain textual result.
func Text(s string) Result { return Result{kind: KindText, text: s} }

// Textf is Text with formatting.
func Textf(format string, args ...any) Result {
	return Text(fmt.Sprintf(format, args...))
}

// Error is a recovered failure reported back to the model.
func Error(msg string) Result { return Result{kind: KindError, text: msg} }

// Errorf is Error with formatting.
func Errorf(format string, args ...any) Result {
	return Error(fmt.Sprintf(format, args...))
}

// Image is an inline image, expected to be downscaled by the tool.
func Image(data []byte, mediaType string) Result {
	return Result{kind: KindImage, data: data, mediaType: mediaType}
}

// Value is any structured value; it is JSON-encoded for the model.
func Value(v any) Result { return Result{kind: KindValue, value: v} }

func (r Result) Kind() Kind { return r.kind }

// Text returns the text of a Text or Error result.
func (r Result) Text() string { return r.text }

// ImageData returns the bytes and media type of an Image result.
func (r Result) ImageData() ([]byte, string) { return r.data, r.mediaType }

// Value returns the payload of a Value result.
func (r Result) Value() any { return r.value }

// IsError reports whether r is an Error result.
func (r Result) IsError() bool { return r.kind == KindError }
