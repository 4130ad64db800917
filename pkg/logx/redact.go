package logx

import (
	"net/url"
	"strings"
	"sync/atomic"
)

const redactedMarker = "****redacted****"

var redactDisabled atomic.Bool

// SetRedaction toggles webhook URL redaction for URL() fields and Redact().
// Redaction is on by default.
func SetRedaction(enabled bool) { redactDisabled.Store(!enabled) }

// Redact masks the secret parts of a webhook URL.
//
// Discord-style URLs keep everything up to "/api/webhooks/"; any other URL
// keeps scheme and host only. Query values and userinfo are always masked.
func Redact(raw string) string {
	if redactDisabled.Load() {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid-url>"
	}

	if i := strings.Index(u.Path, "/api/webhooks/"); i >= 0 {
		u.Path = u.Path[:i] + "/api/webhooks/" + redactedMarker
	} else if u.Path != "" && u.Path != "/" {
		u.Path = "/" + redactedMarker
	}
	u.RawPath = ""
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		u.RawQuery = q.Encode()
	}
	u.Fragment = ""

	// url.URL escapes '*' in paths; keep the marker readable.
	return strings.ReplaceAll(u.String(), "%2A", "*")
}
