package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/session"
	"github.com/perimetric/periscope/tunnel"
)

// newTestSurface builds a surface over an in-memory store. Good for every
// endpoint that does not need a live session behind it.
func newTestSurface(t *testing.T) *ControlSurface {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := afero.NewMemMapFs()
	logger := log.NewNullLogger()
	store, err := config.NewStore(fs, "/etc/periscope", logger)
	require.NoError(t, err)

	return &ControlSurface{
		RunCtx:   ctx,
		Logger:   logger,
		Store:    store,
		Sessions: session.NewManager(ctx, logger, fs, store, session.Options{}),
		Pool: tunnel.NewPool(ctx, logger, fs, tunnel.PoolOptions{
			ReconnectAttempts: 1,
			Transport:         tunnel.TransportOptions{ConnectTimeout: 2 * time.Second},
		}),
	}
}

// doJSON runs one request against the handler, marshaling body when given.
func doJSON(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func errorCode(body []byte) string {
	return gjson.GetBytes(body, "error.code").String()
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "ok", rw.Body.String())
}

func TestIndexPage(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "periscope")

	rw = doJSON(t, h, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestUnknownAPIEndpoint(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodGet, "/api/frobnicate", nil)
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, "not-found", errorCode(rw.Body.Bytes()))
	assert.Contains(t, gjson.GetBytes(rw.Body.Bytes(), "error.message").String(), "/api/frobnicate")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodGet, "/api/session/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)
	assert.Equal(t, "validation", errorCode(rw.Body.Bytes()))

	rw = doJSON(t, h, http.MethodDelete, "/api/network/entries", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "periscope_api_event_subscribers")
}

func TestStatusWithoutSession(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodGet, "/api/session/status", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	body := rw.Body.Bytes()
	assert.False(t, gjson.GetBytes(body, "active").Bool())
	assert.Equal(t, gjson.Null, gjson.GetBytes(body, "state").Type)
}

func TestEndpointsRequireSession(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	for _, tc := range []struct {
		method, target string
		body           interface{}
	}{
		{http.MethodGet, "/api/session/stats", nil},
		{http.MethodPost, "/api/session/stop", nil},
		{http.MethodPost, "/api/browser/navigate", map[string]string{"url": "https://example.com/"}},
		{http.MethodPost, "/api/browser/back", nil},
		{http.MethodPost, "/api/browser/screenshot", nil},
		{http.MethodPost, "/api/browser/evaluate", map[string]string{"expression": "1"}},
		{http.MethodPost, "/api/network/start", nil},
		{http.MethodGet, "/api/network/entries", nil},
		{http.MethodGet, "/api/network/export", nil},
	} {
		rw := doJSON(t, h, tc.method, tc.target, tc.body)
		assert.Equal(t, http.StatusBadRequest, rw.Code, "%s %s", tc.method, tc.target)
		assert.Equal(t, "session/not-active", errorCode(rw.Body.Bytes()), "%s %s", tc.method, tc.target)
	}
}

func TestStartRejectsBadBody(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	req := httptest.NewRequest(http.MethodPost, "/api/session/start", bytes.NewReader([]byte("{nope")))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Equal(t, "validation", errorCode(rw.Body.Bytes()))

	// Empty body is accepted but fails field validation.
	rw = doJSON(t, h, http.MethodPost, "/api/session/start", nil)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Contains(t, gjson.GetBytes(rw.Body.Bytes(), "error.message").String(), "connectionId")
}

func TestStartUnknownConnection(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodPost, "/api/session/start",
		map[string]string{"connectionId": "no-such-id"})
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, "not-found", errorCode(rw.Body.Bytes()))
}
