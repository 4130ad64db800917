package transport

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"

	"hookpost/internal/attach"
	"hookpost/internal/payload"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// buildBody encodes the request once; the same bytes are reused for the
// retry. Without files the body is plain JSON, otherwise multipart with a
// payload_json part followed by files[i] parts.
func buildBody(p payload.Payload, files []*attach.Ref) ([]byte, string, error) {
	if len(files) == 0 {
		b, err := p.JSON()
		if err != nil {
			return nil, "", fmt.Errorf("encode payload: %w", err)
		}
		return b, "application/json", nil
	}

	withMeta := p.Clone()
	withMeta["attachments"] = attachmentMeta(files)
	js, err := withMeta.JSON()
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="payload_json"`)
	h.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(js); err != nil {
		return nil, "", err
	}

	for i, f := range files {
		data, err := f.Content()
		if err != nil {
			return nil, "", err
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename="%s"`, i, quoteEscaper.Replace(f.Name)))
		h.Set("Content-Type", f.ContentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// attachmentMeta describes the uploaded parts; ids match the files[i] index.
func attachmentMeta(files []*attach.Ref) []any {
	out := make([]any, 0, len(files))
	for i, f := range files {
		m := map[string]any{
			"id":       strconv.Itoa(i),
			"filename": f.Name,
		}
		if f.Description != "" {
			m["description"] = f.Description
		}
		if f.ExplicitType {
			m["content_type"] = f.ContentType
		}
		out = append(out, m)
	}
	return out
}
