// Package attach parses --file and --embed-file arguments and binds them to the
// attachment:// references of a payload.
package attach

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"hookpost/internal/apperr"
)

// Scheme prefixes payload strings that point at an uploaded file.
const Scheme = "attachment://"

// DefaultContentType is used when the extension gives no hint.
const DefaultContentType = "application/octet-stream"

// MaxFiles is the service limit per message.
const MaxFiles = 10

// Ref is one file supplied for an invocation.
type Ref struct {
	Name        string
	Path        string
	Description string
	ContentType string
	// ExplicitType is set when ContentType was given in the argument rather than
	// the extension.
	ExplicitType bool
	// EmbedOnly refs are uploaded only when the payload references them.
	EmbedOnly bool

	once sync.Once
	data []byte
	err  error
}

// ParseSpec parses "path[::description[::content-type]]". The path must name
// an existing regular file. flag is used for error attribution.
func ParseSpec(flag, spec string, embedOnly bool) (*Ref, error) {
	parts := strings.SplitN(spec, "::", 3)
	raw := strings.TrimSpace(parts[0])
	if raw == "" {
		return nil, apperr.Validation(flag, "attachment path must not be empty")
	}

	path, err := expandPath(raw)
	if err != nil {
		return nil, apperr.Validation(flag, "attachment %s: %v", raw, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Validation(flag, "attachment %s does not exist", raw)
		}
		return nil, apperr.Validation(flag, "attachment %s: %v", raw, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, apperr.Validation(flag, "attachment %s is not a file", raw)
	}

	ref := &Ref{
		Name:      filepath.Base(path),
		Path:      path,
		EmbedOnly: embedOnly,
	}
	if len(parts) > 1 {
		ref.Description = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		ref.ContentType = strings.TrimSpace(parts[2])
		ref.ExplicitType = true
	} else {
		ref.ContentType = guessType(path)
	}
	return ref, nil
}

// ParseSpecs parses every spec of one flag.
func ParseSpecs(flag string, specs []string, embedOnly bool) ([]*Ref, error) {
	out := make([]*Ref, 0, len(specs))
	for _, s := range specs {
		ref, err := ParseSpec(flag, s, embedOnly)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// Content returns the file bytes. The file is read at most once; the returned
// slice is shared and must not be modified.
func (r *Ref) Content() ([]byte, error) {
	r.once.Do(func() {
		r.data, r.err = os.ReadFile(r.Path)
		if r.err != nil {
			r.err = fmt.Errorf("read attachment %s: %w", r.Name, r.err)
		}
	})
	return r.data, r.err
}

func guessType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return DefaultContentType
}

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}
