package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordVital("BloodSugar")
	m.RecordVital("BloodSugar")
	m.RecordVital("HeartRate")
	m.RecordDoseTransition("Missed", 3)
	m.RecordDoseTransition("Taken", 0)
	m.RecordNotification("missed_dose")
	m.IncrementActiveConnections()
	m.IncrementActiveConnections()
	m.DecrementActiveConnections()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.vitalsRecorded.WithLabelValues("BloodSugar")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.doseTransitions.WithLabelValues("Missed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections))

	s := m.Snapshot()
	assert.Equal(t, 3.0, s.VitalsRecorded)
	assert.Equal(t, 3.0, s.DoseTransitions)
	assert.Equal(t, 1.0, s.Notifications)
	assert.Equal(t, 1.0, s.ActiveConnections)
}

func TestRecordRescore(t *testing.T) {
	m := New()
	m.RecordRescore(4, 1, 250*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rescoreRuns))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rescoreUsers.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rescoreUsers.WithLabelValues("failed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordVital("BloodSugar")
		m.RecordRequest("GET", "/api/wellness", 200, time.Millisecond)
		m.RecordRescore(1, 0, time.Second)
		m.IncrementActiveConnections()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("GET", "/api/wellness", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `preventx_http_requests_total{method="GET",route="/api/wellness",status="200"} 1`)
	assert.Contains(t, string(body), "preventx_uptime_seconds")
}
