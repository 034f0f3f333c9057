package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SessionOpened("products")
	m.SessionOpened("products")
	m.SessionClosed("products", "released")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive.WithLabelValues("products")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("products", "opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("products", "released")))
}

func TestReplicatedOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Replicated("products", "full", time.Second, nil)
	m.Replicated("products", "incremental", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplicationsTotal.WithLabelValues("products", "full", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplicationsTotal.WithLabelValues("products", "incremental", "failure")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SessionOpened("x")
	m.Served("x", 10)
	m.Committed("x", 3, nil)
	m.ObserveLockWait("x", "write", time.Millisecond)
}

func TestServerScrapesItsGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Served("products", 42)

	srv := httptest.NewServer(NewServer(0, reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `index="products"`)

	other, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	other.Body.Close()
	assert.Equal(t, http.StatusNotFound, other.StatusCode)
}
