package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func Test_LendingService_RecordsSpansAndOutcomes(t *testing.T) {
	// arrange
	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tracers := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	db := tempDB(t)
	seedBook(t, db, isbnDune, "Dune", 1)
	svc, err := NewLendingService(db, Policy{LoanPeriodDays: 14, MaxLoans: 2},
		WithMeterProvider(meters), WithTracerProvider(tracers))
	require.NoError(t, err)
	ctx := context.Background()

	// act
	_, err = svc.Borrow(ctx, "1", "Ada", isbnDune, t0)
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, "2", "Grace", isbnDune, t0)
	require.ErrorIs(t, err, ErrUnavailable)

	// assert
	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "lending.borrow", ended[0].Name())
	assert.Len(t, ended[1].Events(), 1, "failed borrow should record its error")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "lending.operations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				counts[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"ok": 1, "unavailable": 1}, counts)
}

func TestFailureKind(t *testing.T) {
	assert.Equal(t, "book_not_found", failureKind(ErrBookNotFound))
	assert.Equal(t, "no_active_loan", failureKind(ErrNoActiveLoan))
	assert.Equal(t, "not_found", failureKind(ErrNotFound))
	assert.Equal(t, "error", failureKind(assert.AnError))
}
