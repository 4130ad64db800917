// Package payload parses rendered webhook payloads, applies invocation-level
// defaults and checks them against the chat service's schema limits.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"hookpost/internal/apperr"
)

// Payload is a parsed top-level payload object. Numbers are kept as
// json.Number so re-encoding is lossless.
type Payload map[string]any

// Parse decodes rendered template output. Anything other than exactly one JSON
// object is a template error against path.
func Parse(path, text string) (Payload, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperr.Template(path, "", fmt.Errorf("rendered payload is not valid JSON: %w", err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, apperr.Template(path, "", fmt.Errorf("rendered payload has trailing data after the JSON object"))
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, apperr.Template(path, "", fmt.Errorf("rendered payload must be a JSON object, got %s", jsonKind(v)))
	}
	return Payload(obj), nil
}

// Clone returns a shallow copy. Nested values are shared and must be treated
// as read-only.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// JSON encodes p compactly without HTML escaping.
func (p Payload) JSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(p)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Indent encodes p for human consumption (dry-run output).
func (p Payload) Indent() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any(p)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
