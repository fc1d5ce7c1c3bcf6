package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// RequestIDKey holds the request ID in a request context
const RequestIDKey contextKey = "request_id"

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an ID, reusing the caller's when present
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
	})
}

// Logging logs one line per request. Health and metrics endpoints log at
// debug; error responses log at warn or error by status.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", routeOf(r)),
				zap.Int("status", rw.status),
				zap.Int("bytes", rw.written),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", r.Header.Get(requestIDHeader)),
			}
			vars := mux.Vars(r)
			if id, ok := vars["run_id"]; ok {
				fields = append(fields, zap.String("run_id", id))
			}
			if id, ok := vars["structure_id"]; ok {
				fields = append(fields, zap.String("structure_id", id))
			}

			if ce := logger.Check(levelFor(r.URL.Path, rw.status), "Admin request"); ce != nil {
				ce.Write(fields...)
			}
		})
	}
}

// Recovery turns a handler panic into a 500 in the admin error format
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Admin handler panicked",
						zap.Any("panic", p),
						zap.String("route", routeOf(r)),
						zap.String("request_id", r.Header.Get(requestIDHeader)))
					if !rw.wroteHeader {
						writeError(rw, r, http.StatusInternalServerError, ErrorCodeInternal, "internal server error")
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func levelFor(path string, status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	case path == "/health" || path == "/ready" || path == "/metrics":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += n
	return n, err
}
