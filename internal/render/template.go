package render

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"text/template"

	"hookpost/internal/apperr"
)

var (
	reMissingKey = regexp.MustCompile(`map has no entry for key "([^"]+)"`)
	reMissingVar = regexp.MustCompile(`variable "([^"]+)" is not set`)
	reFieldRef   = regexp.MustCompile(`at <\.([A-Za-z_][A-Za-z0-9_]*)>`)
)

// RenderFile reads the template at path and renders it against c.
// A missing template is a validation error; everything else that goes
// wrong is a template error.
func RenderFile(path string, c *Context) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.Validation("--template", "template %s does not exist", path)
		}
		return "", apperr.Validation("--template", "read template %s: %v", path, err)
	}
	return Render(path, string(b), c)
}

// Render applies the template text (named after path for error messages)
// to c. The function table is fixed: the builtins of text/template plus the
// helpers in helpers.go; none of them touch the filesystem or spawn
// processes. Missing keys are errors.
func Render(path, text string, c *Context) (string, error) {
	if c == nil {
		c = &Context{Values: map[string]any{}}
	}
	name := filepath.Base(path)

	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(funcMap(c)).
		Parse(text)
	if err != nil {
		return "", apperr.Template(path, offendingVariable(err), err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, c.Values); err != nil {
		return "", apperr.Template(path, offendingVariable(err), err)
	}
	return buf.String(), nil
}

// offendingVariable extracts the variable name from a text/template error
// when the message carries one.
func offendingVariable(err error) string {
	msg := err.Error()
	var ve *varError
	if errors.As(err, &ve) {
		return ve.name
	}
	for _, re := range []*regexp.Regexp{reMissingKey, reMissingVar, reFieldRef} {
		if m := re.FindStringSubmatch(msg); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

// varError is returned by helpers that look a variable up by name.
type varError struct {
	name string
	msg  string
}

func (e *varError) Error() string { return fmt.Sprintf("variable %q %s", e.name, e.msg) }
