package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/nebulastream/nes/internal/telemetry"
)

func TestNewEngineMetricsRegistersInstruments(t *testing.T) {
	t.Parallel()

	mt := noop.NewMeterProvider().Meter("test")

	m, err := telemetry.NewEngineMetrics(mt,
		func() int64 { return 3 },
		func() int64 { return 8 },
		func() int64 { return 42 },
	)
	require.NoError(t, err)
	require.NotNil(t, m)
}
