package api

import (
	"net/http"

	"github.com/perimetric/periscope/session"
)

type sessionStartResponse struct {
	Success bool          `json:"success"`
	State   session.State `json:"state"`
}

func handleSessionStart(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var opts session.StartOptions
		if err := readJSON(r, &opts); err != nil {
			apiError(rw, err)
			return
		}
		state, err := cs.Sessions.Start(r.Context(), opts)
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, sessionStartResponse{Success: true, State: state})
	}
}

func handleSessionStop(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if err := cs.Sessions.Stop(r.Context()); err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, successResponse{Success: true})
	}
}

func handleSessionStatus(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, cs.Sessions.Status())
	}
}

func handleSessionStats(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		stats, err := cs.Sessions.Stats()
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, stats)
	}
}
