package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
	"github.com/dd0wney/cluso-controlplane/pkg/websocket"
)

// knownPaths bounds the path label of the HTTP metrics
var knownPaths = map[string]bool{
	websocket.PathSession: true,
	websocket.PathBearer:  true,
	"/live":               true,
	"/ready":              true,
	"/metrics":            true,
}

func metricPath(p string) string {
	if knownPaths[p] {
		return p
	}
	return "other"
}

// metricsMiddleware tracks HTTP request metrics
func metricsMiddleware(reg *metrics.Registry, next http.Handler) http.Handler {
	if reg == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reg.HTTPRequestsInFlight.Inc()
		defer reg.HTTPRequestsInFlight.Dec()

		wrapper := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		status := wrapper.statusCode
		if wrapper.hijacked {
			status = http.StatusSwitchingProtocols
		}
		reg.RecordHTTPRequest(r.Method, metricPath(r.URL.Path), status, time.Since(start))
	})
}

// metricsResponseWriter captures the status code. It passes Hijack through
// so websocket upgrades keep working.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (w *metricsResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}
