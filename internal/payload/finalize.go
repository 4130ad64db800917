package payload

import (
	"encoding/json"
	"fmt"
	"strconv"

	"hookpost/internal/apperr"
)

// FlagSuppressEmbeds is the message flag that hides link previews.
const FlagSuppressEmbeds = 1 << 2

// Options are invocation-level payload settings.
type Options struct {
	// AllowMentions is the explicit mention opt-in. nil means the caller did
	// not opt in; an empty non-nil slice is an explicit "none".
	AllowMentions []string
	// SuppressEmbeds sets FlagSuppressEmbeds.
	SuppressEmbeds bool
}

// OptedIn reports whether the caller widened allowed mentions explicitly.
func (o Options) OptedIn() bool { return o.AllowMentions != nil }

// Finalize returns a copy of p with invocation defaults applied: an explicit
// mention opt-in replaces allowed_mentions, otherwise a missing
// allowed_mentions becomes {"parse": []}.
func Finalize(p Payload, opts Options) (Payload, error) {
	out := p.Clone()

	if opts.OptedIn() {
		parse := make([]any, 0, len(opts.AllowMentions))
		for _, m := range opts.AllowMentions {
			parse = append(parse, m)
		}
		out["allowed_mentions"] = map[string]any{"parse": parse}
	} else if _, ok := out["allowed_mentions"]; !ok {
		out["allowed_mentions"] = map[string]any{"parse": []any{}}
	}

	if opts.SuppressEmbeds {
		flags, err := intValue(out["flags"])
		if err != nil {
			return nil, apperr.Validation("flags", "%v", err)
		}
		out["flags"] = json.Number(strconv.FormatInt(flags|FlagSuppressEmbeds, 10))
	}
	return out, nil
}

func intValue(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		return x.Int64()
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("must be an integer, got %v", x)
		}
		return int64(x), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("must be an integer, got %s", jsonKind(v))
	}
}
