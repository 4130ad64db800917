// Package apperr defines the error taxonomy shared by every pipeline stage
// and its mapping onto process exit codes.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindRateLimit
	KindTemplate
	KindValidation
)

// Exit codes.
const (
	ExitOK         = 0
	ExitValidation = 2
	ExitTransport  = 3
	ExitRateLimit  = 4
	ExitTemplate   = 5
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimit:
		return "rate_limit_exhausted"
	case KindTemplate:
		return "template"
	case KindValidation:
		return "validation"
	default:
		return "none"
	}
}

// Severity orders kinds for aggregation:
// validation > template > rate limit > transport > none.
// The constant order already encodes it.
func (k Kind) Severity() int { return int(k) }

// ExitCode maps a kind to the process exit status.
func (k Kind) ExitCode() int {
	switch k {
	case KindValidation:
		return ExitValidation
	case KindTemplate:
		return ExitTemplate
	case KindRateLimit:
		return ExitRateLimit
	case KindTransport:
		return ExitTransport
	default:
		return ExitOK
	}
}

// Error is a classified failure. Field names the offending input (for
// validation/template errors) and Target the delivery target (for transport
// errors), when known.
type Error struct {
	Kind   Kind
	Field  string
	Target string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	if e.Target != "" {
		b.WriteString(" (")
		b.WriteString(e.Target)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports bad input, a schema breach or an unresolved attachment.
func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Err: fmt.Errorf(format, args...)}
}

// Template reports a render or parse failure. path is the template path;
// variable is the offending variable name when known.
func Template(path, variable string, err error) *Error {
	field := path
	if variable != "" {
		if field != "" {
			field += ": "
		}
		field += "variable " + variable
	}
	return &Error{Kind: KindTemplate, Field: field, Err: err}
}

// Transport reports a network, timeout or non-429 HTTP failure.
func Transport(target string, err error) *Error {
	return &Error{Kind: KindTransport, Target: target, Err: err}
}

// RateLimit reports a target whose rate limit was not lifted by the retry.
func RateLimit(target string, err error) *Error {
	return &Error{Kind: KindRateLimit, Target: target, Err: err}
}

// KindOf returns the kind of err. Unclassified non-nil errors count as
// validation errors since they never reached the network.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindValidation
}

// ExitCode returns the exit status for err.
func ExitCode(err error) int { return KindOf(err).ExitCode() }

// Worst returns the most severe of the given kinds.
func Worst(kinds ...Kind) Kind {
	w := KindNone
	for _, k := range kinds {
		if k.Severity() > w.Severity() {
			w = k
		}
	}
	return w
}
