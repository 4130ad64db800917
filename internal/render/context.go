package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"hookpost/internal/apperr"
)

// BroadcastPrefix is the message_prefix value when the broadcast flag is set.
const BroadcastPrefix = "@everyone, "

// Layer names a RenderContext source, lowest precedence first.
type Layer int

const (
	LayerBuiltin Layer = iota
	LayerEnv
	LayerOverride
	LayerVar
)

func (l Layer) String() string {
	switch l {
	case LayerBuiltin:
		return "builtin"
	case LayerEnv:
		return "env"
	case LayerOverride:
		return "override"
	case LayerVar:
		return "var"
	default:
		return "unknown"
	}
}

// Collision records a key set by a lower layer and replaced by a higher one.
type Collision struct {
	Key  string
	From Layer
	To   Layer
}

// Context is the name→value mapping templates render against.
type Context struct {
	Values     map[string]any
	Collisions []Collision
	// Now is the render instant, also used by embed_timestamp.
	Now time.Time
}

// Inputs carries everything BuildContext layers together.
type Inputs struct {
	// Env is the immutable environment mapping (defaults layer).
	Env map[string]string
	// Overrides are explicit CLI/GUI settings (e.g. DISCORD_USERNAME).
	Overrides map[string]string
	// Vars are --var key=value assignments, already split.
	Vars map[string]string
	// JSONVars are --json-var key=<json> assignments, unparsed.
	JSONVars map[string]string

	Now            time.Time
	Broadcast      bool
	Message        string
	HasAttachments bool
}

// BuildContext merges the layers:
// builtin < env < overrides < --var/--json-var. Later layers always win.
func BuildContext(in Inputs) (*Context, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	c := &Context{Values: map[string]any{}, Now: now}
	origin := map[string]Layer{}
	// Every overwrite is recorded, including two values from the same layer.
	set := func(k string, v any, l Layer) {
		if prev, ok := origin[k]; ok {
			c.Collisions = append(c.Collisions, Collision{Key: k, From: prev, To: l})
		}
		origin[k] = l
		c.Values[k] = v
	}

	prefix := ""
	if in.Broadcast {
		prefix = BroadcastPrefix
	}
	set("now_iso", now.Format(time.RFC3339), LayerBuiltin)
	set("message", in.Message, LayerBuiltin)
	set("message_prefix", prefix, LayerBuiltin)
	set("has_attachments", in.HasAttachments, LayerBuiltin)

	// Exact normalized keys first; an upper-cased alias never replaces a
	// key the environment set itself.
	envKeys := sortedKeys(in.Env)
	for _, k := range envKeys {
		set(NormalizeKey(k), in.Env[k], LayerEnv)
	}
	for _, k := range envKeys {
		alias := upperAlias(k)
		if _, taken := origin[alias]; alias == "" || taken {
			continue
		}
		set(alias, in.Env[k], LayerEnv)
	}

	for _, k := range sortedKeys(in.Overrides) {
		set(NormalizeKey(k), in.Overrides[k], LayerOverride)
	}

	for _, k := range sortedKeys(in.Vars) {
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, apperr.Validation("--var", "variable names must not be empty")
		}
		set(NormalizeKey(key), in.Vars[k], LayerVar)
	}

	for _, k := range sortedKeys(in.JSONVars) {
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, apperr.Validation("--json-var", "variable names must not be empty")
		}
		v, err := decodeJSONValue(in.JSONVars[k])
		if err != nil {
			return nil, apperr.Validation("--json-var "+key, "invalid JSON: %v", err)
		}
		set(NormalizeKey(key), v, LayerVar)
	}

	return c, nil
}

// ParseAssignments splits "key=value" items. Later duplicates win.
func ParseAssignments(flag string, items []string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return nil, apperr.Validation(flag, "invalid assignment %q, use key=value", item)
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, apperr.Validation(flag, "variable names must not be empty in %q", item)
		}
		out[k] = v
	}
	return out, nil
}

// NormalizeKey turns k into a template identifier: every rune outside
// [A-Za-z0-9_] becomes '_', case is preserved and a leading digit gets a
// '_' prefix.
func NormalizeKey(k string) string {
	var b strings.Builder
	b.Grow(len(k) + 1)
	for i, r := range k {
		if i == 0 && unicode.IsDigit(r) {
			b.WriteByte('_')
		}
		if r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// upperAlias returns the upper-cased normalized form of an environment key
// ("bot-username" → BOT_USERNAME), or "" when it equals the normalized key.
func upperAlias(k string) string {
	n := NormalizeKey(k)
	if up := strings.ToUpper(n); up != n {
		return up
	}
	return ""
}

func decodeJSONValue(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingJSON
	}
	return v, nil
}

var errTrailingJSON = errors.New("trailing data after JSON value")

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// compactJSON is used by tojson; kept here so context values and helpers
// encode identically.
func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
