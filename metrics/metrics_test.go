package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/health"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := New()

	m.ObserveCycle("success", 120*time.Millisecond)
	m.ObserveCycle("success", 80*time.Millisecond)
	m.ObserveCycle("broker_error", time.Second)
	m.SamplesPublished(7)
	m.SensorRegistered()
	m.SetState(2)
	m.SetLastSuccess(time.Unix(1700000000, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("broker_error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.samples))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.state))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastSuccess))
}

func TestRouter(t *testing.T) {
	m := New()
	m.SamplesPublished(3)

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(NewRouter(m, func() health.Result {
		return health.Result{Healthy: healthy.Load(), Threshold: 10 * time.Minute}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "gadgetbridge_mqtt_samples_published_total 3"))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var result health.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result.Healthy)

	healthy.Store(false)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLivenessCheck(t *testing.T) {
	l := health.NewLiveness("", time.Minute, time.Now().Add(-5*time.Minute))
	check := LivenessCheck(l, 2*time.Minute)

	assert.False(t, check().Healthy, "nothing recorded yet")

	require.NoError(t, l.Seed())
	assert.False(t, check().Healthy)

	require.NoError(t, l.Mark(time.Now()))
	assert.True(t, check().Healthy)
}

func TestLivenessCheckStartupGrace(t *testing.T) {
	l := health.NewLiveness("", time.Minute, time.Now())
	require.NoError(t, l.Seed())

	result := LivenessCheck(l, 2*time.Minute)()
	assert.True(t, result.Healthy, "fresh process has not exhausted its grace")
	assert.True(t, result.Starting)
	assert.True(t, l.Last().IsZero())
}
