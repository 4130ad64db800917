package attach

import (
	"sort"
	"strings"
	"unicode"

	"hookpost/internal/apperr"
)

// References returns every distinct name referenced as attachment://<name> in
// any string value of v, sorted.
func References(v any) []string {
	seen := map[string]struct{}{}
	collect(v, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collect(v any, seen map[string]struct{}) {
	switch x := v.(type) {
	case string:
		for rest := x; ; {
			i := strings.Index(rest, Scheme)
			if i < 0 {
				return
			}
			rest = rest[i+len(Scheme):]
			end := strings.IndexFunc(rest, func(r rune) bool {
				return unicode.IsSpace(r) || strings.ContainsRune(`"'<>)`, r)
			})
			name := rest
			if end >= 0 {
				name = rest[:end]
			}
			if name != "" {
				seen[name] = struct{}{}
			}
		}
	case map[string]any:
		for _, item := range x {
			collect(item, seen)
		}
	case []any:
		for _, item := range x {
			collect(item, seen)
		}
	}
}

// Resolve binds payload references to refs. Every referenced name must match
// exactly one ref. The result keeps the order of refs and contains the
// referenced refs plus every ref that is not embed-only; unreferenced
// embed-only refs are dropped.
func Resolve(payload map[string]any, refs []*Ref) ([]*Ref, error) {
	byName := make(map[string]*Ref, len(refs))
	for _, r := range refs {
		if _, dup := byName[r.Name]; dup {
			return nil, apperr.Validation("attachments", "duplicate attachment name %q", r.Name)
		}
		byName[r.Name] = r
	}

	referenced := map[string]bool{}
	for _, name := range References(payload) {
		if _, ok := byName[name]; !ok {
			return nil, apperr.Validation("attachments", "unresolved attachment %s%s", Scheme, name)
		}
		referenced[name] = true
	}

	out := make([]*Ref, 0, len(refs))
	for _, r := range refs {
		if r.EmbedOnly && !referenced[r.Name] {
			continue
		}
		out = append(out, r)
	}
	if len(out) > MaxFiles {
		return nil, apperr.Validation("attachments", "at most %d attachments allowed, got %d", MaxFiles, len(out))
	}
	return out, nil
}

// Dropped returns the embed-only refs Resolve left out.
func Dropped(all, kept []*Ref) []*Ref {
	keep := make(map[*Ref]bool, len(kept))
	for _, r := range kept {
		keep[r] = true
	}
	var out []*Ref
	for _, r := range all {
		if !keep[r] {
			out = append(out, r)
		}
	}
	return out
}
