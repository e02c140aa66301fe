package servers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mzekb/mze-storage/api"
	"github.com/mzekb/mze-storage/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRoutes struct{}

func (echoRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/get", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	})
}

func newTestServer(t *testing.T, probe ReadinessProbe) (*Server, *metrics.MetricsServer) {
	t.Helper()
	metricsSrv, err := metrics.New("mze_test", "")
	require.NoError(t, err)

	cfg := &api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		GracefulShutdownDuration: time.Second,
		RequestTimeout:           time.Second,
	}
	srv, err := New(cfg, echoRoutes{}, metricsSrv, probe)
	require.NoError(t, err)
	return srv, metricsSrv
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(&api.HTTPServerConfig{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := serve(srv, http.MethodGet, "/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())

	rec = serve(srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(srv, http.MethodGet, "/drain")
	assert.JSONEq(t, `{"status":"draining"}`, rec.Body.String())
	rec = serve(srv, http.MethodGet, "/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, rec.Body.String())

	rec = serve(srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(srv, http.MethodGet, "/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
	rec = serve(srv, http.MethodGet, "/undrain")
	assert.JSONEq(t, `{"status":"already ready"}`, rec.Body.String())

	rec = serve(srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessFollowsProbe(t *testing.T) {
	up := false
	srv, _ := newTestServer(t, func(context.Context) bool { return up })

	rec := serve(srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"backend unavailable"}`, rec.Body.String())

	up = true
	rec = serve(srv, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutesAreObserved(t *testing.T) {
	srv, metricsSrv := newTestServer(t, nil)

	rec := serve(srv, http.MethodGet, "/get?record=x")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = serve(srv, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "panics are recovered")

	count, err := testutil.GatherAndCount(metricsSrv.Registry(), "mze_test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	body := serveMetrics(metricsSrv)
	assert.Contains(t, body, `route="/get",status="200"`)
	assert.Contains(t, body, `route="/panic",status="500"`)
}

func TestPprofDisabledByDefault(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := serve(srv, http.MethodGet, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func serveMetrics(m *metrics.MetricsServer) string {
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
