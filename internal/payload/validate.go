package payload

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"hookpost/internal/apperr"
)

// Service limits, counted in Unicode code points.
const (
	MaxContent     = 2000
	MaxEmbeds      = 10
	MaxTitle       = 256
	MaxDescription = 4096
	MaxFields      = 25
	MaxFieldName   = 256
	MaxFieldValue  = 1024
	MaxFooter      = 2048
	MaxAuthor      = 256
	MaxEmbedTotal  = 6000
	MaxAttachments = 10
	MaxThreadName  = 100
	MaxUsername    = 80
)

var topLevelFields = map[string]bool{
	"content":          true,
	"embeds":           true,
	"username":         true,
	"avatar_url":       true,
	"allowed_mentions": true,
	"attachments":      true,
	"tts":              true,
	"flags":            true,
	"thread_name":      true,
}

// MentionKinds are the values allowed in allowed_mentions.parse.
var MentionKinds = []string{"everyone", "roles", "users"}

// Validate checks p against the service schema. opts carries the explicit
// mention opt-in; without it allowed_mentions.parse must be empty.
func Validate(p Payload, opts Options) error {
	for _, k := range sortedFields(p) {
		if !topLevelFields[k] {
			return apperr.Validation(k, "unknown top-level field")
		}
	}

	if err := checkOptionalString(p, "content", MaxContent); err != nil {
		return err
	}
	if err := checkOptionalString(p, "username", MaxUsername); err != nil {
		return err
	}
	if err := checkOptionalString(p, "avatar_url", 0); err != nil {
		return err
	}
	if err := checkOptionalString(p, "thread_name", MaxThreadName); err != nil {
		return err
	}
	if v, ok := p["tts"]; ok {
		if _, isBool := v.(bool); !isBool {
			return apperr.Validation("tts", "must be a boolean")
		}
	}
	if v, ok := p["flags"]; ok {
		if _, err := intValue(v); err != nil {
			return apperr.Validation("flags", "%v", err)
		}
	}
	if err := validateEmbeds(p["embeds"]); err != nil {
		return err
	}
	if err := validateAttachmentMeta(p["attachments"]); err != nil {
		return err
	}
	return validateMentions(p["allowed_mentions"], opts)
}

// ValidateMentionList checks a user-supplied opt-in list.
func ValidateMentionList(list []string) error {
	for _, m := range list {
		if !slices.Contains(MentionKinds, m) {
			return apperr.Validation("--allow-mentions", "unknown mention type %q (allowed: %s)", m, strings.Join(MentionKinds, ", "))
		}
	}
	return nil
}

func validateEmbeds(v any) error {
	if v == nil {
		return nil
	}
	embeds, ok := v.([]any)
	if !ok {
		return apperr.Validation("embeds", "must be an array")
	}
	if len(embeds) > MaxEmbeds {
		return apperr.Validation("embeds", "at most %d embeds allowed, got %d", MaxEmbeds, len(embeds))
	}

	total := 0
	for i, raw := range embeds {
		embed, ok := raw.(map[string]any)
		if !ok {
			return apperr.Validation(fmt.Sprintf("embeds[%d]", i), "must be an object")
		}
		n, err := validateEmbed(i, embed)
		if err != nil {
			return err
		}
		total += n
	}
	if total > MaxEmbedTotal {
		return apperr.Validation("embeds", "exceeds maximum total length (%d/%d)", total, MaxEmbedTotal)
	}
	return nil
}

// validateEmbed returns the number of characters the embed counts against the
// aggregate limit.
func validateEmbed(i int, embed map[string]any) (int, error) {
	prefix := fmt.Sprintf("embeds[%d]", i)
	total := 0
	text := func(field string, v any, limit int) error {
		if v == nil {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return apperr.Validation(prefix+"."+field, "must be a string")
		}
		n := utf8.RuneCountInString(s)
		if n > limit {
			return apperr.Validation(prefix+"."+field, "exceeds maximum length (%d/%d)", n, limit)
		}
		total += n
		return nil
	}
	object := func(field string) (map[string]any, error) {
		v, ok := embed[field]
		if !ok || v == nil {
			return nil, nil
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, apperr.Validation(prefix+"."+field, "must be an object")
		}
		return m, nil
	}

	if err := text("title", embed["title"], MaxTitle); err != nil {
		return 0, err
	}
	if err := text("description", embed["description"], MaxDescription); err != nil {
		return 0, err
	}

	footer, err := object("footer")
	if err != nil {
		return 0, err
	}
	if footer != nil {
		if err := text("footer.text", footer["text"], MaxFooter); err != nil {
			return 0, err
		}
	}
	author, err := object("author")
	if err != nil {
		return 0, err
	}
	if author != nil {
		if err := text("author.name", author["name"], MaxAuthor); err != nil {
			return 0, err
		}
	}
	for _, media := range []string{"thumbnail", "image", "video", "provider"} {
		if _, err := object(media); err != nil {
			return 0, err
		}
	}

	if raw, ok := embed["fields"]; ok && raw != nil {
		fields, ok := raw.([]any)
		if !ok {
			return 0, apperr.Validation(prefix+".fields", "must be an array of field objects")
		}
		if len(fields) > MaxFields {
			return 0, apperr.Validation(prefix+".fields", "at most %d fields allowed, got %d", MaxFields, len(fields))
		}
		for j, rf := range fields {
			name := fmt.Sprintf("fields[%d]", j)
			field, ok := rf.(map[string]any)
			if !ok {
				return 0, apperr.Validation(prefix+"."+name, "must be an object")
			}
			if field["name"] == nil {
				return 0, apperr.Validation(prefix+"."+name+".name", "is required")
			}
			if field["value"] == nil {
				return 0, apperr.Validation(prefix+"."+name+".value", "is required")
			}
			if err := text(name+".name", field["name"], MaxFieldName); err != nil {
				return 0, err
			}
			if err := text(name+".value", field["value"], MaxFieldValue); err != nil {
				return 0, err
			}
			if in, ok := field["inline"]; ok && in != nil {
				if _, isBool := in.(bool); !isBool {
					return 0, apperr.Validation(prefix+"."+name+".inline", "must be a boolean")
				}
			}
		}
	}

	if ts, ok := embed["timestamp"]; ok && ts != nil {
		s, isString := ts.(string)
		if !isString || !isTimestamp(s) {
			return 0, apperr.Validation(prefix+".timestamp", "must be an ISO 8601 timestamp")
		}
	}
	return total, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func isTimestamp(s string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func validateAttachmentMeta(v any) error {
	if v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return apperr.Validation("attachments", "must be an array")
	}
	if len(list) > MaxAttachments {
		return apperr.Validation("attachments", "at most %d attachments allowed, got %d", MaxAttachments, len(list))
	}
	for i, item := range list {
		if _, ok := item.(map[string]any); !ok {
			return apperr.Validation(fmt.Sprintf("attachments[%d]", i), "must be an object")
		}
	}
	return nil
}

func validateMentions(v any, opts Options) error {
	if v == nil {
		return nil
	}
	am, ok := v.(map[string]any)
	if !ok {
		return apperr.Validation("allowed_mentions", "must be an object")
	}
	raw, ok := am["parse"]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return apperr.Validation("allowed_mentions.parse", "must be an array")
	}
	for _, item := range list {
		s, ok := item.(string)
		if !ok || !slices.Contains(MentionKinds, s) {
			return apperr.Validation("allowed_mentions.parse", "unknown mention type %v (allowed: %s)", item, strings.Join(MentionKinds, ", "))
		}
		if !opts.OptedIn() {
			return apperr.Validation("allowed_mentions.parse", "%q requires an explicit mention opt-in", s)
		}
		if !slices.Contains(opts.AllowMentions, s) {
			return apperr.Validation("allowed_mentions.parse", "%q is not in the opted-in list (%s)", s, strings.Join(opts.AllowMentions, ", "))
		}
	}
	return nil
}

func checkOptionalString(p Payload, field string, limit int) error {
	v, ok := p[field]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return apperr.Validation(field, "must be a string")
	}
	if limit > 0 {
		if n := utf8.RuneCountInString(s); n > limit {
			return apperr.Validation(field, "exceeds maximum length (%d/%d)", n, limit)
		}
	}
	return nil
}

func sortedFields(p Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
