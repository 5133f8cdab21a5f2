package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
	"github.com/nerrad567/fvgateway/internal/gateway"
	"github.com/nerrad567/fvgateway/internal/infrastructure/config"
	"github.com/nerrad567/fvgateway/internal/infrastructure/logging"
)

// fakeLoop runs calls inline, or fails them with err.
type fakeLoop struct {
	err   error
	calls int
	stats gateway.Stats
}

func (l *fakeLoop) Do(_ context.Context, fn func()) error {
	if l.err != nil {
		return l.err
	}
	l.calls++
	fn()
	return nil
}

func (l *fakeLoop) Stats() gateway.Stats { return l.stats }

type fakeBus struct {
	snap  []fvbus.ControllerSnapshot
	stats fvbus.BusStats
}

func (b *fakeBus) Snapshot() []fvbus.ControllerSnapshot { return b.snap }
func (b *fakeBus) Stats() fvbus.BusStats                { return b.stats }

type fakeBroker struct{ connected bool }

func (b fakeBroker) IsConnected() bool { return b.connected }

type fakeObservations struct {
	err       error
	regs      map[string][]fvbus.RegisterObservation
	sessions  []fvbus.RelaySession
	lastLimit int
}

func (o *fakeObservations) Controllers(context.Context) ([]fvbus.ControllerObservation, error) {
	if o.err != nil {
		return nil, o.err
	}
	return []fvbus.ControllerObservation{{Controller: "F1", SelectCount: 3, LastStatus: "OK"}}, nil
}

func (o *fakeObservations) Registers(_ context.Context, ctrl string) ([]fvbus.RegisterObservation, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.regs[ctrl], nil
}

func (o *fakeObservations) Sessions(_ context.Context, limit int) ([]fvbus.RelaySession, error) {
	o.lastLimit = limit
	if o.err != nil {
		return nil, o.err
	}
	return o.sessions, nil
}

type fakeCapture struct{}

func (fakeCapture) Written() uint64 { return 12 }
func (fakeCapture) Failed() uint64  { return 1 }

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

func testDeps() (Deps, *fakeLoop, *fakeBus) {
	loop := &fakeLoop{stats: gateway.Stats{Running: true, PollRounds: 5}}
	bus := &fakeBus{
		snap: []fvbus.ControllerSnapshot{
			{Name: "F1", EntityPrefix: "f1", Online: true, Registers: []fvbus.RegisterSnapshot{
				{Name: "t0", Kind: "temperature", LastValue: "19.5"},
			}},
			{Name: "G2", EntityPrefix: "g2"},
		},
		stats: fvbus.BusStats{Transactions: 42, Timeouts: 2, ControllersDeclared: 2},
	}
	return Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		Logger:  testLogger(),
		Loop:    loop,
		Bus:     bus,
		MQTT:    fakeBroker{connected: true},
		Version: "test",
	}, loop, bus
}

func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	srv, err := New(deps)
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestNew_RequiresDeps(t *testing.T) {
	deps, _, _ := testDeps()

	noLogger := deps
	noLogger.Logger = nil
	_, err := New(noLogger)
	assert.Error(t, err)

	noLoop := deps
	noLoop.Loop = nil
	_, err = New(noLoop)
	assert.Error(t, err)

	noBus := deps
	noBus.Bus = nil
	_, err = New(noBus)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	deps, _, _ := testDeps()
	rec, body := get(t, testServer(t, deps), "/api/v1/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, true, body["mqtt_connected"])
	assert.Equal(t, true, body["loop_running"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealth_WithoutBroker(t *testing.T) {
	deps, _, _ := testDeps()
	deps.MQTT = nil
	_, body := get(t, testServer(t, deps), "/api/v1/health")
	assert.NotContains(t, body, "mqtt_connected")
}

func TestRequestIDPassthrough(t *testing.T) {
	deps, _, _ := testDeps()
	srv := testServer(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc123", rec.Header().Get("X-Request-ID"))
}

func TestMetrics(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Capture = fakeCapture{}
	rec, body := get(t, testServer(t, deps), "/api/v1/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	bus := body["bus"].(map[string]any)
	assert.Equal(t, 42.0, bus["transactions"])
	assert.Equal(t, 2.0, bus["timeouts"])

	gw := body["gateway"].(map[string]any)
	assert.Equal(t, 5.0, gw["poll_rounds"])

	assert.Equal(t, true, body["mqtt"].(map[string]any)["connected"])
	assert.Equal(t, 12.0, body["capture"].(map[string]any)["written"])

	rt := body["runtime"].(map[string]any)
	assert.Greater(t, rt["goroutines"].(float64), 0.0)
}

func TestListControllers(t *testing.T) {
	deps, loop, _ := testDeps()
	rec, body := get(t, testServer(t, deps), "/api/v1/controllers")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["count"])
	assert.Equal(t, 1, loop.calls, "snapshot taken on the loop")

	first := body["controllers"].([]any)[0].(map[string]any)
	assert.Equal(t, "F1", first["name"])
	regs := first["registers"].([]any)
	assert.Equal(t, "19.5", regs[0].(map[string]any)["last_value"])
}

func TestListControllers_LoopUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"stopped", gateway.ErrStopped},
		{"cancelled", context.Canceled},
		{"deadline", context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, loop, _ := testDeps()
			loop.err = tt.err
			rec, body := get(t, testServer(t, deps), "/api/v1/controllers")
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, ErrCodeUnavailable, body["code"])
		})
	}
}

func TestGetController(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Observations = &fakeObservations{regs: map[string][]fvbus.RegisterObservation{
		"F1": {{Controller: "F1", Register: "t0", TransactionCount: 9, LastValue: "19.5"}},
	}}
	srv := testServer(t, deps)

	rec, body := get(t, srv, "/api/v1/controllers/F1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "F1", body["controller"].(map[string]any)["name"])
	observed := body["observed_registers"].([]any)
	require.Len(t, observed, 1)
	assert.Equal(t, 9.0, observed[0].(map[string]any)["transaction_count"])

	rec, _ = get(t, srv, "/api/v1/controllers/NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetController_ObservationErrorStillAnswers(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Observations = &fakeObservations{err: errors.New("database is locked")}

	rec, body := get(t, testServer(t, deps), "/api/v1/controllers/G2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "observed_registers")
}

func TestObservations_Disabled(t *testing.T) {
	deps, _, _ := testDeps()
	srv := testServer(t, deps)

	for _, path := range []string{
		"/api/v1/observations/controllers",
		"/api/v1/observations/controllers/F1/registers",
		"/api/v1/observations/sessions",
	} {
		rec, _ := get(t, srv, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestObservations(t *testing.T) {
	deps, _, _ := testDeps()
	closed := time.Unix(1700000100, 0)
	obs := &fakeObservations{
		regs: map[string][]fvbus.RegisterObservation{"F1": {{Controller: "F1", Register: "t0"}}},
		sessions: []fvbus.RelaySession{
			{ID: "s2", RemoteAddr: "127.0.0.1:5000", OpenedAt: time.Unix(1700000000, 0), ClosedAt: &closed, TransactionCount: 4},
		},
	}
	deps.Observations = obs
	srv := testServer(t, deps)

	rec, body := get(t, srv, "/api/v1/observations/controllers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])

	rec, body = get(t, srv, "/api/v1/observations/controllers/F1/registers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "F1", body["controller"])
	assert.Equal(t, 1.0, body["count"])

	rec, body = get(t, srv, "/api/v1/observations/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultSessionLimit, obs.lastLimit)
	assert.Equal(t, "s2", body["sessions"].([]any)[0].(map[string]any)["id"])

	rec, _ = get(t, srv, "/api/v1/observations/sessions?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, obs.lastLimit)
}

func TestObservations_BadLimit(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Observations = &fakeObservations{}
	srv := testServer(t, deps)

	for _, limit := range []string{"0", "-1", "abc", "501"} {
		rec, body := get(t, srv, "/api/v1/observations/sessions?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
		assert.Equal(t, ErrCodeBadRequest, body["code"])
	}
}

func TestObservations_Error(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Observations = &fakeObservations{err: errors.New("disk I/O error")}

	rec, body := get(t, testServer(t, deps), "/api/v1/observations/controllers")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternal, body["code"])
}

func TestPrometheusHandler(t *testing.T) {
	deps, _, _ := testDeps()
	rec, _ := get(t, testServer(t, deps), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no handler configured")

	deps.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "fvgateway_up 1\n")
	})
	rec, _ = get(t, testServer(t, deps), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fvgateway_up 1\n", rec.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	deps, _, bus := testDeps()
	bus.snap = nil
	deps.Loop = panicLoop{}

	rec, body := get(t, testServer(t, deps), "/api/v1/controllers")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternal, body["code"])
}

type panicLoop struct{}

func (panicLoop) Do(context.Context, func()) error { panic("boom") }
func (panicLoop) Stats() gateway.Stats             { return gateway.Stats{} }

func TestServer_StartClose(t *testing.T) {
	deps, _, _ := testDeps()
	srv := testServer(t, deps)
	assert.Nil(t, srv.Addr())
	assert.Error(t, srv.HealthCheck(context.Background()))

	require.NoError(t, srv.Start(context.Background()))
	defer srv.Close()
	require.NoError(t, srv.HealthCheck(context.Background()))

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Close())
	_, err = http.Get("http://" + srv.Addr().String() + "/api/v1/health")
	assert.Error(t, err)
}
