package metrics

import (
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRecorder_Throughput(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newRecorderWithClock(clock.Now)

	r.Record(100)
	clock.Advance(2 * time.Second)
	r.Record(100)

	snap := r.Snapshot()
	assert.Equal(t, uint64(200), snap.Count)
	assert.InDelta(t, 2.0, snap.ElapsedSeconds, 1e-9)
	assert.InDelta(t, 100.0, snap.Throughput, 1e-9)
}

func TestRecorder_ZeroElapsedIsFinite(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newRecorderWithClock(clock.Now)
	r.Record(5)

	snap := r.Snapshot()
	assert.Equal(t, 0.0, snap.ElapsedSeconds)
	assert.InDelta(t, 5/minElapsedSeconds, snap.Throughput, 1e-3)

	empty := newRecorderWithClock(clock.Now).Snapshot()
	assert.Equal(t, 0.0, empty.Throughput)
}

func TestNewSnapshot(t *testing.T) {
	s := NewSnapshot(50, 10*time.Second)
	assert.Equal(t, uint64(50), s.Count)
	assert.Equal(t, 10.0, s.ElapsedSeconds)
	assert.Equal(t, 5.0, s.Throughput)

	zero := NewSnapshot(3, 0)
	assert.False(t, math.IsInf(zero.Throughput, 0))
}

func TestRecorder_IgnoresNonPositive(t *testing.T) {
	r := NewRecorder()
	r.Record(0)
	r.Record(-3)
	assert.Equal(t, uint64(0), r.Count())
}

func TestRecorder_CountIsMonotonic(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Record(1)
			}
		}()
	}

	var last uint64
	for i := 0; i < 100; i++ {
		snap := r.Snapshot()
		require.GreaterOrEqual(t, snap.Count, last)
		last = snap.Count
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), r.Count())
}

func TestMetrics_Helpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCycle("applied", 0.2)
	m.RecordCycle("applied", 0.1)
	m.RecordCycle("transport_error", 1)
	m.RecordApplied(42)
	m.RecordRejected("local", "verification_failed")
	m.RecordDBQuery("save_snapshot", "runs", 0.01, errors.New("boom"))

	assert.Equal(t, 2.0, counterValue(t, reg, "pipeline_cycles_total", "outcome", "applied"))
	assert.Equal(t, 1.0, counterValue(t, reg, "pipeline_cycles_total", "outcome", "transport_error"))
	assert.Equal(t, 42.0, counterValue(t, reg, "ledger_transactions_applied_total", "", ""))
	assert.Equal(t, 1.0, counterValue(t, reg, "ledger_transactions_rejected_total", "reason", "verification_failed"))
	assert.Equal(t, 1.0, counterValue(t, reg, "db_operations_total", "status", "error"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCycle("applied", 1)
		m.RecordApplied(1)
		m.RecordDispatch("ok", 10, 0.1)
		m.RecordHTTPRequest("/health", "GET", 200, 0.01)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	h := HTTPMetricsMiddleware(m, "/echo")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, counterValue(t, reg, "http_requests_total", "status", "4xx"))
}

func TestStatusCodeToString(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 502: "5xx", 0: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusCodeToString(code))
	}
}

// counterValue sums the counter samples of a family, optionally filtered by
// one label.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if label != "" && !hasLabel(metric.GetLabel(), label, value) {
				continue
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func hasLabel[L interface {
	GetName() string
	GetValue() string
}](labels []L, name, value string) bool {
	for _, l := range labels {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}
