package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensor.bridge/internal/calibration"
	"github.com/banshee-data/sensor.bridge/internal/fsutil"
	"github.com/banshee-data/sensor.bridge/internal/metrics"
	"github.com/banshee-data/sensor.bridge/internal/network"
	"github.com/banshee-data/sensor.bridge/internal/supervisor"
)

const seedCalibration = `{
    "fluorometer": {"scale_factor": 0.5, "dark_counts": 40},
    "par": {"multiplier": 1.0, "calibration_constant": 109.0, "offset": 0.0}
}`

type testEnv struct {
	fs       *fsutil.MemoryFileSystem
	store    *calibration.Store
	factory  *network.MockUDPSocketFactory
	manager  *supervisor.Manager
	recorder *metrics.Collector
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		fs:      fsutil.NewMemoryFileSystem(),
		factory: network.NewMockUDPSocketFactory(network.NewMockUDPSocket()),
	}
	require.NoError(t, env.fs.WriteFile("/cal.json", []byte(seedCalibration), 0644))
	env.store = calibration.NewStore("/cal.json", env.fs)
	registry := calibration.DefaultRegistry()

	reg := prometheus.NewRegistry()
	env.recorder = metrics.New(reg)

	var sups []*supervisor.Supervisor
	for _, sensor := range []string{calibration.Fluorometer, calibration.PAR} {
		sups = append(sups, supervisor.New(supervisor.Config{
			Listener: network.ListenerConfig{
				Sensor:        sensor,
				Address:       "127.0.0.1:0",
				FieldIndex:    network.DefaultFieldIndex,
				PollInterval:  5 * time.Millisecond,
				BroadcastPort: 16009,
				Processor:     network.NewCalibrationProcessor(env.store, registry, nil),
				Sender:        network.NewBroadcaster(network.BroadcasterConfig{SocketFactory: env.factory}),
				Recorder:      env.recorder,
				SocketFactory: env.factory,
				Logf:          t.Logf,
			},
			Logf:          t.Logf,
			OnStateChange: env.recorder.SetRunning,
		}))
	}
	m, err := supervisor.NewManager(sups...)
	require.NoError(t, err)
	env.manager = m
	t.Cleanup(func() { _ = m.StopAll() })

	srv := NewServer(m, env.store, registry, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	env.handler = LoggingMiddleware(srv.ServeMux())
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestListenerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/listeners/par/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "running", st["state"])
	assert.NotEmpty(t, st["run_id"])

	rec = env.do(t, http.MethodPost, "/api/listeners/par/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "already running")

	rec = env.do(t, http.MethodGet, "/api/listeners", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]map[string]interface{}](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "fluorometer", list[0]["sensor"])
	assert.Equal(t, "stopped", list[0]["state"])
	assert.Equal(t, "running", list[1]["state"])

	rec = env.do(t, http.MethodPost, "/api/listeners/par/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decode[map[string]interface{}](t, rec)["state"])

	rec = env.do(t, http.MethodPost, "/api/listeners/par/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListenerErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/listeners/turbidity/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.factory.Error = errors.New("address already in use")
	rec = env.do(t, http.MethodPost, "/api/listeners/fluorometer/start", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "address already in use")

	rec = env.do(t, http.MethodGet, "/api/listeners/fluorometer/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCalibrationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/calibration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[calibration.Set](t, rec)
	want := calibration.Set{
		calibration.Fluorometer: {calibration.CoefScaleFactor: 0.5, calibration.CoefDarkCounts: 40},
		calibration.PAR:         {calibration.CoefMultiplier: 1, calibration.CoefCalibrationConstant: 109, calibration.CoefOffset: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calibration mismatch (-want +got):\n%s", diff)
	}

	rec = env.do(t, http.MethodGet, "/api/calibration/par", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 109.0, decode[calibration.Coefficients](t, rec)[calibration.CoefCalibrationConstant])

	rec = env.do(t, http.MethodGet, "/api/calibration/turbidity", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateCalibration(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/calibration/fluorometer", `{"scale_factor": 2, "dark_counts": 1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	coeffs, err := env.store.Get(calibration.Fluorometer)
	require.NoError(t, err)
	assert.Equal(t, calibration.Coefficients{calibration.CoefScaleFactor: 2, calibration.CoefDarkCounts: 1}, coeffs)

	par, err := env.store.Get(calibration.PAR)
	require.NoError(t, err)
	assert.Equal(t, 109.0, par[calibration.CoefCalibrationConstant], "other sensors are untouched")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "missing coefficient", path: "/api/calibration/par", body: `{"multiplier": 1}`, want: http.StatusBadRequest},
		{name: "string coefficient", path: "/api/calibration/par", body: `{"multiplier": "one"}`, want: http.StatusBadRequest},
		{name: "null body", path: "/api/calibration/par", body: `null`, want: http.StatusBadRequest},
		{name: "unknown sensor", path: "/api/calibration/turbidity", body: `{"gain": 1}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	data, err := env.fs.ReadFile("/cal.json")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gain")
}

func TestUpdateCalibration_WriteFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fs.WriteErr = errors.New("read-only file system")

	rec := env.do(t, http.MethodPut, "/api/calibration/par", `{"multiplier": 1, "calibration_constant": 2, "offset": 3}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCalibrationMissingFile(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.fs.Remove("/cal.json"))

	rec := env.do(t, http.MethodGet, "/api/calibration", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A PUT creates the file.
	rec = env.do(t, http.MethodPut, "/api/calibration/fluorometer", `{"scale_factor": 1, "dark_counts": 0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.fs.Exists("/cal.json"))
}

func TestMetricsAndVersion(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/listeners/fluorometer/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bridge_listener_running{sensor="fluorometer"} 1`)

	rec = env.do(t, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec), "version")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(409), colorBoldRed)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Equal(t, "100", statusCodeColor(100))
}
