package pipeline

import (
	"fmt"
	"io"
	"time"

	"hookpost/internal/transport"
)

// WriteDryRun prints the finalized payload followed by one line per resolved
// attachment.
func WriteDryRun(w io.Writer, o *Outcome) error {
	b, err := o.Payload.Indent()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s\n", b); err != nil {
		return err
	}
	for _, a := range o.Attachments {
		if _, err := fmt.Fprintf(w, "attachment: %s %s %s\n", a.Name, a.ContentType, a.Path); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary prints one line per target result.
func WriteSummary(w io.Writer, o *Outcome) error {
	for _, r := range o.Results {
		line := fmt.Sprintf("%s %s attempts=%d", r.Target.Label(), r.Status, r.Attempts)
		if r.HTTPStatus != 0 {
			line += fmt.Sprintf(" http=%d", r.HTTPStatus)
		}
		if r.MessageID != "" {
			line += " message_id=" + r.MessageID
		}
		line += " elapsed=" + r.Elapsed.Round(time.Millisecond).String()
		if r.Status != transport.StatusSuccess && r.Status != transport.StatusRetriedSuccess && r.Err != nil {
			line += " error=" + fmt.Sprintf("%q", r.Err.Error())
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
