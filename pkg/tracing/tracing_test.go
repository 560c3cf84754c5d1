package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func decide(t *testing.T, ratio float64) sdktrace.SamplingDecision {
	t.Helper()
	s, err := newSampler(ratio)
	require.NoError(t, err)
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		Name:          "dispatch message",
	}).Decision
}

func TestSamplerRatio(t *testing.T) {
	assert.Equal(t, sdktrace.Drop, decide(t, 0))
	assert.Equal(t, sdktrace.RecordAndSample, decide(t, 1))
}

func TestSamplerRejectsOutOfRange(t *testing.T) {
	for _, ratio := range []float64{-0.1, 1.5} {
		_, err := newSampler(ratio)
		assert.Error(t, err, ratio)
	}
}

func TestInitRejectsBadRatio(t *testing.T) {
	_, err := Init(context.Background(), Config{ServiceName: "line-relay", Endpoint: "localhost:4318", SampleRatio: 2})
	assert.Error(t, err)
}
