package config

import "encoding/json"

// Config is the optional hookpost config file (YAML or JSON).
//
// Example:
//
//	webhooks:
//	  - name: ops
//	    url: https://discord.com/api/webhooks/123/abc
//	    username: Ops Bot
//	default_webhooks: [ops]
//	defaults:
//	  template: ./templates/alert.json.tmpl
//	  timeout: 10s
type Config struct {
	Webhooks []Webhook `json:"webhooks,omitempty"`

	// DefaultWebhooks names the webhooks used when no --webhook flag is given.
	DefaultWebhooks []string `json:"default_webhooks,omitempty"`

	Defaults  Defaults       `json:"defaults"`
	Logging   LoggingConfig  `json:"logging"`
	Sentry    SentryConfig   `json:"sentry,omitempty"`
	Schedules []ScheduleSpec `json:"schedules,omitempty"`
}

// Webhook is a named delivery target. Username, AvatarURL and ThreadID
// override the rendered payload for this target only.
type Webhook struct {
	Name      string `json:"name"`
	URL       string `json:"url"` // secret: never log unredacted
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Defaults apply when the matching CLI flag is not set.
//
// Defaults (when fields are omitted/zero):
//   - timeout: "10s"
//   - retry: true
//   - rate_per_sec: 5
//   - allow_mentions: none (allowed_mentions.parse stays empty)
type Defaults struct {
	Template string `json:"template,omitempty"`
	EnvFile  string `json:"env_file,omitempty"`

	// Timeout is a Go duration string bounding each HTTP attempt, the
	// same bound as --timeout. --deadline bounds the whole invocation.
	Timeout string `json:"timeout,omitempty"`

	// Retry is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false.
	Retry *bool `json:"retry,omitempty"`

	// AllowMentions widens allowed_mentions.parse. nil means no opt-in.
	AllowMentions []string `json:"allow_mentions,omitempty"`

	RatePerSec     int  `json:"rate_per_sec,omitempty"`
	SuppressEmbeds bool `json:"suppress_embeds,omitempty"`
}

type LoggingConfig struct {
	Level string      `json:"level,omitempty"`
	JSON  bool        `json:"json,omitempty"`
	File  LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SentryConfig enables optional error reporting. Empty DSN disables it.
type SentryConfig struct {
	DSN         string `json:"dsn,omitempty"` // secret: never log
	Environment string `json:"environment,omitempty"`
}

// ScheduleSpec describes a recurring send for `hookpost schedule`.
//
// Spec accepts cron ("*/5 * * * *", "@hourly"), an interval ("55m",
// "interval:2h") or HH:MM ("01:30").
type ScheduleSpec struct {
	Name     string                     `json:"name"`
	Spec     string                     `json:"spec"`
	Template string                     `json:"template,omitempty"`
	Message  string                     `json:"message,omitempty"`
	Everyone bool                       `json:"everyone,omitempty"`
	Vars     map[string]string          `json:"vars,omitempty"`
	JSONVars map[string]json.RawMessage `json:"json_vars,omitempty"`
	Files    []string                   `json:"files,omitempty"`
	Webhooks []string                   `json:"webhooks,omitempty"`
}
