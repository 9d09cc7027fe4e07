package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordMaterialized("end", 3)
	m.RecordMaterialized("end", 0)
	m.RecordCancelled("reconcile", 2)
	m.RecordDispatched("sent")
	m.RecordClaimConflict()
	m.RecordClaimConflict()
	m.SetDueBacklog(7)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.OccurrencesMaterialized.WithLabelValues("end")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OccurrencesCancelled.WithLabelValues("reconcile")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDispatched.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClaimConflicts))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DueBacklog))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMaterialized("end", 1)
		m.RecordAttempt("email", "success", 0.1)
		m.RecordTick("sweep", 1)
		m.RecordRequest("rest", "list_rules", "200", 0.01)
		m.IncrementActiveConnections()
		m.DecrementActiveConnections()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordEscalation()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reminder_escalations_total 1")
}
