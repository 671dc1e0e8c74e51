package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	m := New(nil)

	m.DoseExecuted(false)
	m.DoseExecuted(true)
	m.DoseExecuted(true)
	m.StockFailure("no_stock")
	m.Instructions(3)
	m.EntryPublished("DoseExecuted")
	m.EntriesDeadLettered(2)
	m.AlertRaised("low_stock")
	m.BreakerState("alert-webhook", "half-open")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DosesExecuted.WithLabelValues("executed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DosesExecuted.WithLabelValues("already_executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StockFailures.WithLabelValues("no_stock")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InstructionsServed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublished.WithLabelValues("DoseExecuted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxDeadLettered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsRaised.WithLabelValues("low_stock")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("alert-webhook")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.DoseReverted()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.DosesReverted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DosesReverted))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.DoseExecuted(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `doses_executed_total{outcome="executed"} 1`)
}
