package transport

import (
	"time"

	"hookpost/internal/apperr"
	"hookpost/internal/payload"
	logx "hookpost/pkg/logx"
)

// Status is the terminal state of one target delivery.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusRetriedSuccess Status = "retried_success"
	StatusRateLimited    Status = "rate_limit_exhausted"
	StatusFailed         Status = "failed"
)

// Target is one webhook destination. Username, AvatarURL and ThreadID
// override the payload for this target only.
type Target struct {
	Name      string
	URL       string
	Username  string
	AvatarURL string
	ThreadID  string
}

// Label identifies the target in logs and errors without exposing its
// secret.
func (t Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return logx.Redact(t.URL)
}

// Apply returns p with the target's username and avatar overrides. p is
// shallow-copied when anything changes and never modified.
func (t Target) Apply(p payload.Payload) payload.Payload {
	if t.Username == "" && t.AvatarURL == "" {
		return p
	}
	out := p.Clone()
	if t.Username != "" {
		out["username"] = t.Username
	}
	if t.AvatarURL != "" {
		out["avatar_url"] = t.AvatarURL
	}
	return out
}

// Result reports one target delivery.
type Result struct {
	Target     Target
	Status     Status
	HTTPStatus int
	Attempts   int
	Elapsed    time.Duration
	// RetryAfter is the delay announced by the last 429, if any.
	RetryAfter time.Duration
	// MessageID is the created message id returned with wait=true.
	MessageID string
	Err       error
}

// OK reports whether the message was delivered.
func (r Result) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusRetriedSuccess
}

// Kind maps the result onto the error taxonomy.
func (r Result) Kind() apperr.Kind {
	switch r.Status {
	case StatusSuccess, StatusRetriedSuccess:
		return apperr.KindNone
	case StatusRateLimited:
		return apperr.KindRateLimit
	default:
		return apperr.KindTransport
	}
}
