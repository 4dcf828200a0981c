package tracing

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("keeper-test", "test", true, &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "keeper.Cycle")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "keeper.Cycle")
	require.Contains(t, buf.String(), "keeper-test")
}

func TestInitTracer_Disabled(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("keeper-test", "test", false, &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Empty(t, buf.String())
}
