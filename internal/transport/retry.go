package transport

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfter clamps absurd announcements before converting to a Duration.
const maxRetryAfter = 24 * time.Hour

// retryDelay reads the wait announced by a 429: Retry-After, then
// X-RateLimit-Reset-After, then the body's retry_after. Values are seconds
// and may be fractional; Retry-After may also be an HTTP date.
func retryDelay(h http.Header, body []byte) time.Duration {
	if d, ok := parseSeconds(h.Get("Retry-After")); ok {
		return d
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
			return 0
		}
	}
	if d, ok := parseSeconds(h.Get("X-RateLimit-Reset-After")); ok {
		return d
	}

	var b struct {
		RetryAfter json.Number `json:"retry_after"`
	}
	if json.Unmarshal(body, &b) == nil {
		if d, ok := parseSeconds(b.RetryAfter.String()); ok {
			return d
		}
	}
	return 0
}

func parseSeconds(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	if f > maxRetryAfter.Seconds() {
		f = maxRetryAfter.Seconds()
	}
	return time.Duration(math.Ceil(f * float64(time.Second))), true
}
