package twophase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-twophase/pkg/state"
)

func TestDriver_Spans(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(ctx)

	h := newRecorder()
	d := newDriver(h, WithTracer(tp.Tracer("twophase-test")), WithName("traced"))
	require.NoError(t, d.Initialize(ctx, state.NewMemory(), false))
	require.NoError(t, d.Snapshot(ctx, 4))

	h.failCommit = errors.New("unreachable")
	require.Error(t, d.NotifyCheckpointComplete(ctx, 4))
	require.NoError(t, d.Close(ctx))

	spans := sr.Ended()
	require.Len(t, spans, 4)

	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{"twophase.initialize", "twophase.snapshot", "twophase.notify", "twophase.close"}, names)

	assert.Contains(t, spans[1].Attributes(), attribute.Int64("checkpoint.id", 4))
	assert.Contains(t, spans[1].Attributes(), attribute.String("sink", "traced"))
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	assert.NotEmpty(t, spans[2].Events(), "the error is recorded as a span event")
}
