package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "validation", err: Validation("embeds[0].title", "too long"), want: ExitValidation},
		{name: "template", err: Template("a.tmpl", "title", errors.New("missing")), want: ExitTemplate},
		{name: "rate limit", err: RateLimit("hook", errors.New("429")), want: ExitRateLimit},
		{name: "transport", err: Transport("hook", errors.New("500")), want: ExitTransport},
		{name: "wrapped", err: fmt.Errorf("stage: %w", Transport("hook", errors.New("eof"))), want: ExitTransport},
		{name: "unclassified", err: errors.New("boom"), want: ExitValidation},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestWorstOrdering(t *testing.T) {
	t.Parallel()
	require.Equal(t, KindNone, Worst())
	require.Equal(t, KindTransport, Worst(KindNone, KindTransport))
	require.Equal(t, KindRateLimit, Worst(KindTransport, KindRateLimit, KindNone))
	require.Equal(t, KindTemplate, Worst(KindRateLimit, KindTemplate))
	require.Equal(t, KindValidation, Worst(KindTemplate, KindValidation, KindTransport))
}

func TestErrorMessageNamesFieldAndTarget(t *testing.T) {
	t.Parallel()
	err := Validation("embeds[0].description", "exceeds maximum length (%d/%d)", 4097, 4096)
	require.Equal(t, "validation error [embeds[0].description]: exceeds maximum length (4097/4096)", err.Error())

	terr := Template("payload.tmpl", "title", errors.New("map has no entry for key"))
	require.Contains(t, terr.Error(), "payload.tmpl: variable title")

	rerr := RateLimit("ops", errors.New("still limited"))
	require.Equal(t, "rate_limit_exhausted error (ops): still limited", rerr.Error())
}
