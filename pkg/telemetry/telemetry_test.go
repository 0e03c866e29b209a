package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpan_NoopBeforeInit(t *testing.T) {
	globalProvider = nil

	_, span := StartSpan(context.Background(), "relay.event")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestProvider_ExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitGlobal(&Config{
		ServiceName:  "relay-test",
		ExporterType: "stdout",
		SampleRate:   1.0,
		Writer:       &buf,
	}))
	t.Cleanup(func() { globalProvider = nil })

	_, span := StartSpan(context.Background(), "relay.event message:new")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, ShutdownGlobal(context.Background()))
	assert.Contains(t, buf.String(), "relay.event message:new")
}

func TestProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(&Config{ServiceName: "relay-test", ExporterType: "zipkin"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
