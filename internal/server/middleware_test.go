package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newMiddlewareRouter(logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(Recovery(logger), RequestID, Logging(logger))
	r.HandleFunc("/reports/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"run_id": mux.Vars(r)["run_id"]})
	})
	r.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func TestLogging_RouteFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := newMiddlewareRouter(zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/reports/run-42", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	entries := logs.FilterMessage("Admin request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/reports/{run_id}", fields["route"])
	assert.Equal(t, "run-42", fields["run_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
}

func TestLogging_HealthChecksAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := newMiddlewareRouter(zap.New(core))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Zero(t, logs.Len())
}

func TestRecovery_PanicUsesErrorFormat(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := newMiddlewareRouter(zap.New(core))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrorCodeInternal, resp.ErrorCode)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 1, logs.FilterMessage("Admin handler panicked").Len())
}
