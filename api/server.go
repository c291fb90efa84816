// Package api exposes the GUI's JSON-over-HTTP surface: connection CRUD,
// session lifecycle, page operations, network capture and a WebSocket event
// stream, plus /healthz and prometheus /metrics.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/lib/consts"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/session"
	"github.com/perimetric/periscope/tunnel"
)

// ControlSurface bundles everything the HTTP handlers operate on.
type ControlSurface struct {
	RunCtx   context.Context
	Logger   *log.Logger
	Store    *config.Store
	Sessions *session.Manager
	Pool     *tunnel.Pool
}

// NewHandler returns the full route table.
func NewHandler(cs *ControlSurface) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/connections", handleConnections(cs))
	mux.HandleFunc("/api/connections/", handleConnectionByID(cs))

	mux.HandleFunc("/api/session/start", postOnly(handleSessionStart(cs)))
	mux.HandleFunc("/api/session/stop", postOnly(handleSessionStop(cs)))
	mux.HandleFunc("/api/session/status", getOnly(handleSessionStatus(cs)))
	mux.HandleFunc("/api/session/stats", getOnly(handleSessionStats(cs)))

	mux.HandleFunc("/api/browser/navigate", postOnly(handleNavigate(cs)))
	mux.HandleFunc("/api/browser/back", postOnly(handleHistory(cs, -1)))
	mux.HandleFunc("/api/browser/forward", postOnly(handleHistory(cs, 1)))
	mux.HandleFunc("/api/browser/reload", postOnly(handleReload(cs)))
	mux.HandleFunc("/api/browser/screenshot", postOnly(handleScreenshot(cs)))
	mux.HandleFunc("/api/browser/evaluate", postOnly(handleEvaluate(cs)))

	mux.HandleFunc("/api/network/start", postOnly(handleNetworkStart(cs)))
	mux.HandleFunc("/api/network/stop", postOnly(handleNetworkStop(cs)))
	mux.HandleFunc("/api/network/clear", postOnly(handleNetworkClear(cs)))
	mux.HandleFunc("/api/network/entries", getOnly(handleNetworkEntries(cs)))
	mux.HandleFunc("/api/network/export", getOnly(handleNetworkExport(cs)))

	mux.HandleFunc("/api/events", handleEvents(cs))
	mux.HandleFunc("/api/", handleUnknown)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/", handleIndex)

	return withLoggingHandler(cs.Logger, mux)
}

// GetServer returns an http.Server serving the GUI API on addr.
func GetServer(runCtx context.Context, addr string, cs *ControlSurface) *http.Server {
	cs.RunCtx = runCtx
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cs),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type wrappedResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrappedResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack is forwarded so the event stream can upgrade to a WebSocket behind
// the logging wrapper.
func (w *wrappedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// withLoggingHandler logs every response's status and feeds the request
// counters.
func withLoggingHandler(l *log.Logger, next http.Handler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// The default status code is 200 if the handler never sets one.
		wrapped := &wrappedResponseWriter{ResponseWriter: rw, status: 200}
		next.ServeHTTP(wrapped, r)

		recordRequest(r.Method, wrapped.status)
		l.Debugf("API", "%s %s -> %d", r.Method, r.URL.Path, wrapped.status)
	}
}

// postOnly admits POST requests and rejects the rest with a JSON 405.
func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return methodOnly(http.MethodPost, next)
}

// getOnly admits GET requests and rejects the rest with a JSON 405.
func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return methodOnly(http.MethodGet, next)
}

func methodOnly(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(rw, http.StatusMethodNotAllowed, "validation",
				fmt.Sprintf("method %s not allowed", r.Method))
			return
		}
		next(rw, r)
	}
}

func handleUnknown(rw http.ResponseWriter, r *http.Request) {
	writeError(rw, http.StatusNotFound, "not-found", "no such endpoint: "+r.URL.Path)
}

func handleHealthz(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(rw, "ok")
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>periscope</title></head>
<body>
<h1>periscope %s</h1>
<p>Remote browser sessions over SSH.</p>
<ul>
<li><a href="/api/session/status">session status</a></li>
<li><a href="/api/connections">connections</a></li>
<li><a href="/metrics">metrics</a></li>
<li><a href="/healthz">healthz</a></li>
</ul>
</body>
</html>
`

func handleIndex(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(rw, indexPage, consts.Version)
}
