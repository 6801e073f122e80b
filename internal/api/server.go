// Package api serves the HTTP control surface: listener lifecycle, calibration
// coefficients and metrics.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sensor.bridge/internal/calibration"
	"github.com/banshee-data/sensor.bridge/internal/httputil"
	"github.com/banshee-data/sensor.bridge/internal/monitoring"
	"github.com/banshee-data/sensor.bridge/internal/network"
	"github.com/banshee-data/sensor.bridge/internal/supervisor"
	"github.com/banshee-data/sensor.bridge/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server routes control requests to the supervisors and calibration store.
type Server struct {
	manager  *supervisor.Manager
	store    *calibration.Store
	registry *calibration.Registry
	metrics  http.Handler
}

// NewServer creates a Server. metrics may be nil to omit /metrics.
func NewServer(manager *supervisor.Manager, store *calibration.Store, registry *calibration.Registry, metrics http.Handler) *Server {
	return &Server{
		manager:  manager,
		store:    store,
		registry: registry,
		metrics:  metrics,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the routes served by the control API.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", s.showVersion)
	mux.HandleFunc("GET /api/listeners", s.listListeners)
	mux.HandleFunc("POST /api/listeners/{sensor}/start", s.startListener)
	mux.HandleFunc("POST /api/listeners/{sensor}/stop", s.stopListener)
	mux.HandleFunc("GET /api/calibration", s.showCalibration)
	mux.HandleFunc("GET /api/calibration/{sensor}", s.showSensorCalibration)
	mux.HandleFunc("PUT /api/calibration/{sensor}", s.updateSensorCalibration)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) listListeners(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, s.manager.Status())
}

func (s *Server) startListener(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.manager.Start)
}

func (s *Server) stopListener(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.manager.Stop)
}

// lifecycle runs op for the sensor named in the path and replies with the
// supervisor's resulting status.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(string) error) {
	sensor := r.PathValue("sensor")
	if err := op(sensor); err != nil {
		writeLifecycleError(w, err)
		return
	}
	sup, err := s.manager.Supervisor(sensor)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	httputil.OK(w, sup.Status())
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrUnknownSensor):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, network.ErrBind):
		httputil.BadGateway(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calibration.ErrNotFound), errors.Is(err, calibration.ErrMissingCoefficient):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, calibration.ErrUnknownSensorType):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) showCalibration(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.Load()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, set)
}

func (s *Server) showSensorCalibration(w http.ResponseWriter, r *http.Request) {
	coeffs, err := s.store.Get(r.PathValue("sensor"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, coeffs)
}

func (s *Server) updateSensorCalibration(w http.ResponseWriter, r *http.Request) {
	sensor := r.PathValue("sensor")

	var coeffs calibration.Coefficients
	if err := httputil.DecodeJSON(w, r, &coeffs); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.registry.Validate(sensor, coeffs); err != nil {
		if errors.Is(err, calibration.ErrUnknownSensorType) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.store.Set(sensor, coeffs); err != nil {
		monitoring.Logf("failed to save calibration for %s: %v", sensor, err)
		writeStoreError(w, err)
		return
	}
	monitoring.Logf("calibration for %s updated", sensor)
	httputil.OK(w, coeffs)
}
