package api

import (
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/lib/testutils/sshserver"
)

func TestConnectionCRUDAndRedaction(t *testing.T) {
	t.Parallel()
	cs := newTestSurface(t)
	h := NewHandler(cs)

	rw := doJSON(t, h, http.MethodPost, "/api/connections", map[string]interface{}{
		"name":     "prod box",
		"host":     "203.0.113.7",
		"port":     22,
		"username": "deploy",
		"authKind": "password",
		"password": "s3cret",
	})
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())
	id := gjson.GetBytes(rw.Body.Bytes(), "id").String()
	require.NotEmpty(t, id)

	// The secret must never come back, only the sentinel.
	rw = doJSON(t, h, http.MethodGet, "/api/connections", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	body := rw.Body.String()
	assert.Contains(t, body, config.Sentinel)
	assert.NotContains(t, body, "s3cret")
	assert.EqualValues(t, 1, gjson.Get(body, "connections.#").Int())
	assert.Equal(t, "prod box", gjson.Get(body, "connections.0.name").String())
	assert.Equal(t, id, gjson.Get(body, "connections.0.id").String())

	// Round-tripping the sentinel through an update must keep the stored
	// secret intact.
	rw = doJSON(t, h, http.MethodPut, "/api/connections/"+id, map[string]interface{}{
		"name":     "prod box 2",
		"password": config.Sentinel,
	})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	desc, err := cs.Store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "prod box 2", desc.Name)
	assert.Equal(t, "s3cret", desc.Password)

	rw = doJSON(t, h, http.MethodPut, "/api/connections/"+id, map[string]interface{}{
		"password": "n3w-secret",
	})
	require.Equal(t, http.StatusOK, rw.Code)
	desc, err = cs.Store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "n3w-secret", desc.Password)

	rw = doJSON(t, h, http.MethodDelete, "/api/connections/"+id, nil)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.True(t, gjson.GetBytes(rw.Body.Bytes(), "success").Bool())

	rw = doJSON(t, h, http.MethodGet, "/api/connections", nil)
	assert.EqualValues(t, 0, gjson.GetBytes(rw.Body.Bytes(), "connections.#").Int())

	rw = doJSON(t, h, http.MethodDelete, "/api/connections/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, "not-found", errorCode(rw.Body.Bytes()))
}

func TestAddConnectionValidation(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodPost, "/api/connections", map[string]interface{}{
		"name":     "no host",
		"port":     22,
		"username": "deploy",
		"authKind": "password",
		"password": "pw",
	})
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Equal(t, "validation", errorCode(rw.Body.Bytes()))
	assert.Contains(t, gjson.GetBytes(rw.Body.Bytes(), "error.message").String(), "host")
}

func TestUpdateUnknownConnection(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodPut, "/api/connections/ghost",
		map[string]string{"name": "renamed"})
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, "not-found", errorCode(rw.Body.Bytes()))
}

func TestConnectionUnknownAction(t *testing.T) {
	t.Parallel()
	h := NewHandler(newTestSurface(t))

	rw := doJSON(t, h, http.MethodPost, "/api/connections/some-id/frobnicate", nil)
	assert.Equal(t, http.StatusNotFound, rw.Code)

	// Wrong method on a known action shape.
	rw = doJSON(t, h, http.MethodGet, "/api/connections/some-id/test", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)
}

func TestConnectionTestSuccess(t *testing.T) {
	t.Parallel()
	cs := newTestSurface(t)
	h := NewHandler(cs)
	srv := sshserver.New(t)

	desc, err := cs.Store.Add(config.Descriptor{
		Name:     "reachable",
		Host:     srv.Host,
		Port:     srv.Port,
		Username: sshserver.DefaultUser,
		AuthKind: config.AuthPassword,
		Password: sshserver.DefaultPassword,
	})
	require.NoError(t, err)

	rw := doJSON(t, h, http.MethodPost, "/api/connections/"+desc.ID+"/test", nil)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	body := rw.Body.Bytes()
	assert.True(t, gjson.GetBytes(body, "success").Bool())
	assert.Contains(t, gjson.GetBytes(body, "message").String(), srv.Addr)
}

func TestConnectionTestFailure(t *testing.T) {
	t.Parallel()
	cs := newTestSurface(t)
	h := NewHandler(cs)

	// Grab a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	desc, err := cs.Store.Add(config.Descriptor{
		Name:     "unreachable",
		Host:     "127.0.0.1",
		Port:     port,
		Username: "nobody",
		AuthKind: config.AuthPassword,
		Password: "pw",
	})
	require.NoError(t, err)

	// An unreachable host is a result, not an API failure.
	rw := doJSON(t, h, http.MethodPost, "/api/connections/"+desc.ID+"/test", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	body := rw.Body.Bytes()
	assert.False(t, gjson.GetBytes(body, "success").Bool())
	assert.NotEmpty(t, gjson.GetBytes(body, "message").String())

	rw = doJSON(t, h, http.MethodPost, "/api/connections/ghost/test", nil)
	assert.Equal(t, http.StatusNotFound, rw.Code)
}
