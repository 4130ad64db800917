// Package transport delivers finalized payloads to webhook targets over HTTP,
// with a single retry when the service answers 429.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"hookpost/internal/apperr"
	"hookpost/internal/attach"
	"hookpost/internal/payload"
	logx "hookpost/pkg/logx"
)

const (
	maxResponseBody = 64 << 10
	maxErrorSnippet = 512
)

// Config controls a Client.
type Config struct {
	HTTP *http.Client
	// Retry enables the single retry after a 429.
	Retry bool
	// RequestTimeout bounds each HTTP attempt. Zero means no per-attempt bound.
	RequestTimeout time.Duration
	UserAgent      string
	Log            logx.Logger
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client is safe for concurrent use by multiple target deliveries.
type Client struct {
	http    *http.Client
	retry   bool
	timeout time.Duration
	ua      string
	log     logx.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	c := &Client{
		http:    cfg.HTTP,
		retry:   cfg.Retry,
		timeout: cfg.RequestTimeout,
		ua:      cfg.UserAgent,
		log:     cfg.Log,
		sleep:   cfg.Sleep,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.ua == "" {
		c.ua = "hookpost"
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

// Deliver posts p (with files, if any) to t. It never returns an error
// directly: the outcome, including failures, is in the Result.
func (c *Client) Deliver(ctx context.Context, t Target, p payload.Payload, files []*attach.Ref) Result {
	start := time.Now()
	res := Result{Target: t}
	log := c.log.With(logx.String("target", t.Label()))

	finish := func(status Status, err error) Result {
		res.Status = status
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}

	endpoint, err := requestURL(t)
	if err != nil {
		return finish(StatusFailed, apperr.Transport(t.Label(), err))
	}
	body, contentType, err := buildBody(t.Apply(p), files)
	if err != nil {
		return finish(StatusFailed, apperr.Transport(t.Label(), err))
	}

	for {
		res.Attempts++
		log.Debug("webhook request", logx.URL("url", endpoint), logx.Int("attempt", res.Attempts), logx.Int("files", len(files)))

		resp, err := c.post(ctx, endpoint, contentType, body)
		if err != nil {
			log.Warn("webhook request failed", logx.Err(err), logx.Int("attempt", res.Attempts))
			return finish(StatusFailed, apperr.Transport(t.Label(), err))
		}
		res.HTTPStatus = resp.status

		switch {
		case resp.status == http.StatusTooManyRequests:
			res.RetryAfter = retryDelay(resp.header, resp.body)
			if !c.retry || res.Attempts > 1 {
				log.Warn("rate limit exhausted", logx.Duration("retry_after", res.RetryAfter), logx.Int("attempts", res.Attempts))
				return finish(StatusRateLimited, apperr.RateLimit(t.Label(),
					fmt.Errorf("HTTP 429 after %d attempt(s), retry after %s", res.Attempts, res.RetryAfter)))
			}
			log.Warn("rate limited; retrying", logx.Duration("retry_after", res.RetryAfter))
			if err := c.sleep(ctx, res.RetryAfter); err != nil {
				return finish(StatusFailed, apperr.Transport(t.Label(), fmt.Errorf("waiting for rate limit: %w", err)))
			}
			continue

		case resp.status >= 400:
			return finish(StatusFailed, apperr.Transport(t.Label(),
				fmt.Errorf("HTTP %d: %s", resp.status, snippet(resp.body))))

		default:
			res.MessageID = messageID(resp.body)
			status := StatusSuccess
			if res.Attempts > 1 {
				status = StatusRetriedSuccess
			}
			log.Info("webhook delivered", logx.Int("status", resp.status), logx.Int("attempts", res.Attempts), logx.String("message_id", res.MessageID))
			return finish(status, nil)
		}
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body []byte) (*response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, redactURLError(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, redactURLError(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, redactURLError(fmt.Errorf("read response: %w", err))
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: b}, nil
}

// requestURL adds wait=true and the target thread to the webhook URL.
func requestURL(t Target) (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" {
		return "", errors.New("invalid webhook url")
	}
	q := u.Query()
	q.Set("wait", "true")
	if t.ThreadID != "" {
		q.Set("thread_id", t.ThreadID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactURLError keeps webhook secrets out of *url.Error messages.
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: logx.Redact(ue.URL), Err: ue.Err}
	}
	return err
}

func messageID(body []byte) string {
	var m struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(body, &m) != nil {
		return ""
	}
	return m.ID
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxErrorSnippet {
		return s
	}
	s = s[:maxErrorSnippet]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "…"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
