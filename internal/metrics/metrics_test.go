package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratahq/strata/internal/core"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry)

	m.AuthFailuresTotal.Inc()
	fams, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, fams)
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation(true)
	m.RecordEvaluation(true)
	m.RecordEvaluation(false)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("false")))
}

func TestProjectMetricsSetSnapshotVersion(t *testing.T) {
	m := New()

	m.ForProject("proj-a").SetSnapshotVersion(5)
	m.ForProject("proj-b").SetSnapshotVersion(9)

	assert.Equal(t, float64(5), testutil.ToFloat64(m.SnapshotVersion.WithLabelValues("proj-a")))
	assert.Equal(t, float64(9), testutil.ToFloat64(m.SnapshotVersion.WithLabelValues("proj-b")))
}

func TestProjectMetricsObserveSkip(t *testing.T) {
	m := New()

	pm := m.ForProject("proj-a")
	pm.ObserveSkip("layer", core.SkipBadRanges)
	pm.ObserveSkip("layer", core.SkipBadRanges)
	pm.ObserveSkip("experiment", core.SkipDuplicateVID)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.LayerSkipsTotal.WithLabelValues("layer", "bad_ranges")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LayerSkipsTotal.WithLabelValues("experiment", "duplicate_vid")))
}

func TestObserveSkips(t *testing.T) {
	m := New()

	m.ObserveSkips("checkout", core.SkipCounters{MissingKey: 2, RuleError: 1})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RuleSkipsTotal.WithLabelValues("checkout", "missing_key")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RuleSkipsTotal.WithLabelValues("checkout", "rule_error")))
}

func TestObserveSubscriberOverflow(t *testing.T) {
	m := New()

	m.SetSubscriberQueueDepth("sub-1", 10)
	m.ObserveSubscriberOverflow("sub-1")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriberOverflowTotal.WithLabelValues("sub-1")))
}

func TestSetSubscriberAckedVersion(t *testing.T) {
	m := New()

	m.SetSubscriberAckedVersion("sub-1", 42)

	assert.Equal(t, float64(42), testutil.ToFloat64(m.SubscriberAckedVersion.WithLabelValues("sub-1")))
}

func TestSetDBPoolStats(t *testing.T) {
	m := New()

	m.SetDBPoolStats(DBPoolStats{Acquired: 3, Idle: 7, Total: 10})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.DBPoolAcquired))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.DBPoolIdle))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.DBPoolTotal))
}

func TestHandler(t *testing.T) {
	m := New()
	m.AuthFailuresTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "strata_auth_failures_total")
}
