package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupInstallsProviders(t *testing.T) {
	tel, err := Setup("volharvester-test")
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())
	assert.NotNil(t, GetTracer("test-tracer"))
	assert.NotNil(t, GetMeter("test-meter"))

	// Instruments must be live after Setup.
	holder := GetGlobalMetrics()
	require.NotNil(t, holder.SignalsTotal)
	holder.SignalsTotal.Add(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
}

func TestGaugeMapSnapshotIsACopy(t *testing.T) {
	holder := GetGlobalMetrics()
	holder.SetEquity("BTC-USD", 10500)

	snap := holder.GetEquity()
	assert.Equal(t, 10500.0, snap["BTC-USD"])

	snap["BTC-USD"] = 0
	assert.Equal(t, 10500.0, holder.GetEquity()["BTC-USD"])
}
