package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerDisabled(t *testing.T) {
	tp, err := InitTracer("edu-backend", "test", false)
	require.NoError(t, err)
	assert.Nil(t, tp)

	// Spans still work against the no-op provider
	_, span := StartSpan(context.Background(), "noop")
	span.End()
	ShutdownTracer(context.Background())
}

func TestCorrelationID(t *testing.T) {
	assert.Empty(t, CorrelationID(context.Background()))
	ctx := WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", CorrelationID(ctx))
}
