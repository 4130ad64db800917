package render

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// JSONObject is a structured helper result. It prints as compact JSON when
// inserted into a template, so `"footer": {{ embed_footer "hi" }}` yields a
// valid object.
type JSONObject map[string]any

func (o JSONObject) String() string {
	s, err := compactJSON(map[string]any(o))
	if err != nil {
		return "{}"
	}
	return s
}

func funcMap(c *Context) template.FuncMap {
	lookup := func(name string) (any, bool) {
		v, ok := c.Values[name]
		return v, ok
	}

	return template.FuncMap{
		"var": func(name string, fallback ...any) (any, error) {
			v, ok := lookup(name)
			if ok && !isEmpty(v) {
				return v, nil
			}
			if len(fallback) > 0 {
				return fallback[0], nil
			}
			if ok {
				return v, nil
			}
			return nil, &varError{name: name, msg: "is not set"}
		},
		"default": func(fallback, v any) any {
			if isEmpty(v) {
				return fallback
			}
			return v
		},
		"has": func(name string) bool {
			_, ok := lookup(name)
			return ok
		},
		"truthy": func(name string) bool {
			v, ok := lookup(name)
			return ok && truthy(v)
		},
		"tojson": func(v any) (string, error) {
			return compactJSON(v)
		},
		"embed_footer": embedFooter,
		"embed_field":  embedField,
		"embed_timestamp": func(v ...any) (string, error) {
			if len(v) == 0 || v[0] == nil {
				return c.Now.UTC().Format(time.RFC3339), nil
			}
			return embedTimestamp(v[0])
		},
	}
}

func embedFooter(text any, urls ...string) JSONObject {
	footer := JSONObject{"text": fmt.Sprint(text)}
	if len(urls) > 0 && urls[0] != "" {
		footer["icon_url"] = urls[0]
	}
	if len(urls) > 1 && urls[1] != "" {
		footer["proxy_icon_url"] = urls[1]
	}
	return footer
}

func embedField(name, value any, inline ...any) JSONObject {
	in := false
	if len(inline) > 0 {
		in = truthy(inline[0])
	}
	return JSONObject{
		"name":   fmt.Sprint(name),
		"value":  fmt.Sprint(value),
		"inline": in,
	}
}

func embedTimestamp(v any) (string, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case string:
		return x, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return "", fmt.Errorf("embed_timestamp: %w", err)
		}
		return unixString(f), nil
	case int:
		return unixString(float64(x)), nil
	case int64:
		return unixString(float64(x)), nil
	case float64:
		return unixString(x), nil
	default:
		return "", fmt.Errorf("embed_timestamp requires a time, unix seconds or an ISO string, got %T", v)
	}
}

func unixString(sec float64) string {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC().Format(time.RFC3339)
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "0", "false", "no", "off":
			return false
		}
		return true
	case json.Number:
		f, err := strconv.ParseFloat(string(x), 64)
		return err == nil && f != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	default:
		return !isEmpty(v)
	}
}
