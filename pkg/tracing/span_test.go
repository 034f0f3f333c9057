package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildSpansInheritTrace(t *testing.T) {
	ctx, root := Start(context.Background(), "replicate", "trace-1")
	_, child := Start(ctx, "fetch", "")
	child.SetAttr("files", 3)
	child.Fail(errors.New("short read"))
	child.End()

	assert.Equal(t, "trace-1", child.TraceID)
	assert.Same(t, root, FromContext(ctx))

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	root.End()
	out := buf.String()
	assert.Contains(t, out, "span=replicate")
	assert.Contains(t, out, "span=fetch")
	assert.Contains(t, out, "error=\"short read\"")
	assert.Contains(t, out, "files=3")
}
