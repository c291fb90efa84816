package api

import (
	"net/http"
	"strings"

	"github.com/perimetric/periscope/config"
)

type connectionsResponse struct {
	Connections []config.Descriptor `json:"connections"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type testResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func handleConnections(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleListConnections(cs, rw)
		case http.MethodPost:
			handleAddConnection(cs, rw, r)
		default:
			writeError(rw, http.StatusMethodNotAllowed, "validation",
				"method "+r.Method+" not allowed")
		}
	}
}

func handleListConnections(cs *ControlSurface, rw http.ResponseWriter) {
	descs := cs.Store.Connections()
	redacted := make([]config.Descriptor, len(descs))
	for i, d := range descs {
		redacted[i] = d.Redacted()
	}
	writeJSON(rw, http.StatusOK, connectionsResponse{Connections: redacted})
}

func handleAddConnection(cs *ControlSurface, rw http.ResponseWriter, r *http.Request) {
	var d config.Descriptor
	if err := readJSON(r, &d); err != nil {
		apiError(rw, err)
		return
	}
	added, err := cs.Store.Add(d)
	if err != nil {
		apiError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]string{"id": added.ID})
}

// handleConnectionByID dispatches /api/connections/{id} and
// /api/connections/{id}/test.
func handleConnectionByID(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/connections/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			writeError(rw, http.StatusNotFound, "not-found", "connection id missing")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodPut:
			handleUpdateConnection(cs, rw, r, id)
		case action == "" && r.Method == http.MethodDelete:
			handleRemoveConnection(cs, rw, id)
		case action == "test" && r.Method == http.MethodPost:
			handleTestConnection(cs, rw, r, id)
		case action != "" && action != "test":
			writeError(rw, http.StatusNotFound, "not-found", "no such endpoint: "+r.URL.Path)
		default:
			writeError(rw, http.StatusMethodNotAllowed, "validation",
				"method "+r.Method+" not allowed")
		}
	}
}

func handleUpdateConnection(cs *ControlSurface, rw http.ResponseWriter, r *http.Request, id string) {
	var p config.UpdateParams
	if err := readJSON(r, &p); err != nil {
		apiError(rw, err)
		return
	}
	if _, err := cs.Store.Update(id, p); err != nil {
		apiError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, successResponse{Success: true})
}

func handleRemoveConnection(cs *ControlSurface, rw http.ResponseWriter, id string) {
	if err := cs.Store.Remove(id); err != nil {
		apiError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, successResponse{Success: true})
}

// handleTestConnection dials the target through the pool and reports the
// outcome as a result, not an HTTP error: a failing host is a valid answer.
func handleTestConnection(cs *ControlSurface, rw http.ResponseWriter, r *http.Request, id string) {
	desc, err := cs.Store.Get(id)
	if err != nil {
		apiError(rw, err)
		return
	}

	transport, err := cs.Pool.Get(r.Context(), desc)
	if err != nil {
		writeJSON(rw, http.StatusOK, testResponse{Success: false, Message: err.Error()})
		return
	}
	cs.Pool.Release(desc.ID)
	writeJSON(rw, http.StatusOK, testResponse{
		Success: true,
		Message: "connected to " + transport.Addr(),
	})
}
