package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/perimetric/periscope/cdp"
	"github.com/perimetric/periscope/errext"
)

const defaultEntriesLimit = 100

type networkCountResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

type networkEntriesResponse struct {
	Entries []cdp.Entry `json:"entries"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

func handleNetworkStart(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		if err := sess.NetworkStart(r.Context()); err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, successResponse{Success: true})
	}
}

func handleNetworkStop(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		if err := sess.NetworkStop(r.Context()); err != nil {
			apiError(rw, err)
			return
		}
		_, total, err := sess.NetworkEntries(cdp.EntryFilter{Limit: 1})
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, networkCountResponse{Success: true, Count: total})
	}
}

func handleNetworkClear(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		_, cleared, err := sess.NetworkEntries(cdp.EntryFilter{Limit: 1})
		if err != nil {
			apiError(rw, err)
			return
		}
		if err := sess.NetworkClear(); err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, networkCountResponse{Success: true, Count: cleared})
	}
}

func handleNetworkEntries(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		filter, err := entryFilterFromQuery(r)
		if err != nil {
			apiError(rw, err)
			return
		}
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		entries, total, err := sess.NetworkEntries(filter)
		if err != nil {
			apiError(rw, err)
			return
		}
		if entries == nil {
			entries = []cdp.Entry{}
		}
		writeJSON(rw, http.StatusOK, networkEntriesResponse{
			Entries: entries,
			Total:   total,
			Limit:   filter.Limit,
			Offset:  filter.Offset,
		})
	}
}

func entryFilterFromQuery(r *http.Request) (cdp.EntryFilter, error) {
	q := r.URL.Query()
	filter := cdp.EntryFilter{
		Type:  q.Get("type"),
		Limit: defaultEntriesLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errext.NewValidation("limit", "must be a non-negative integer, got %q", v)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errext.NewValidation("offset", "must be a non-negative integer, got %q", v)
		}
		filter.Offset = n
	}
	if v := q.Get("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, errext.NewValidation("status", "must be an integer, got %q", v)
		}
		filter.Status = n
	}
	return filter, nil
}

// handleNetworkExport streams the capture as a file download, HAR 1.2 or the
// recorder's own JSON shape.
func handleNetworkExport(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "har"
		}
		if format != "har" && format != "json" {
			apiError(rw, errext.NewValidation("format", "must be har or json, got %q", format))
			return
		}
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}

		var payload interface{}
		if format == "har" {
			payload, err = sess.NetworkExportHAR()
		} else {
			var entries []cdp.Entry
			entries, _, err = sess.NetworkEntries(cdp.EntryFilter{Limit: 0})
			if entries == nil {
				entries = []cdp.Entry{}
			}
			payload = map[string]interface{}{"entries": entries}
		}
		if err != nil {
			apiError(rw, err)
			return
		}

		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			apiError(rw, err)
			return
		}

		filename := fmt.Sprintf("periscope-%s.%s", time.Now().Format("20060102-150405"), format)
		rw.Header().Set("Content-Type", "application/json; charset=utf-8")
		rw.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write(data)
	}
}
