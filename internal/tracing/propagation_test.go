package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithAgent(ctx, "AramidGeneral")
	ctx = WithSessionID(ctx, "thread_1")

	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-123"`, `"agent":"AramidGeneral"`, `"session_id":"thread_1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log line to contain %s, got %s", want, out)
		}
	}
	if strings.Contains(out, "request_id") {
		t.Errorf("Did not expect request_id in %s", out)
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = WithTraceID(parent, "trace-9")
	cancel()

	detached := Detach(parent)
	if detached.Err() != nil {
		t.Error("Detached context should not be cancelled")
	}
	if GetTraceID(detached) != "trace-9" {
		t.Error("Detached context lost its trace ID")
	}
}
