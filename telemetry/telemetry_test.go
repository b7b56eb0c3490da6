package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, Config{ServiceName: "library-ledger-test"})
	require.NoError(t, err)

	assert.Same(t, p.Tracer, otel.GetTracerProvider())
	assert.Same(t, p.Meter, otel.GetMeterProvider())

	_, span := otel.Tracer("test").Start(ctx, "noop")
	span.End()
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNilProvidersShutdown(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}
