package telemetry_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/internal/telemetry"
)

func TestInitWithoutOTLPEndpointUsesNoopTracerAndLocalPrometheus(t *testing.T) {
	t.Parallel()

	providers, err := telemetry.Init(telemetry.Config{ServiceName: "nes-test"})
	require.NoError(t, err)

	defer func() { require.NoError(t, providers.Shutdown(context.Background())) }()

	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Meter)
	require.NotNil(t, providers.Logger)
	require.NotNil(t, providers.PromHandler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	providers.PromHandler.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}
