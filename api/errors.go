package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/perimetric/periscope/errext"
)

// ErrorBody is the inner part of the failure envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is what every failing endpoint answers with.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// apiError maps the error's kind onto an HTTP status and writes the envelope.
func apiError(rw http.ResponseWriter, err error) {
	kind := errext.KindOf(err)
	status := kind.HTTPStatus()
	code := string(kind)
	if code == "" {
		code = "internal"
	}
	writeError(rw, status, code, err.Error())
}

func writeError(rw http.ResponseWriter, status int, code, message string) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(ErrorEnvelope{Error: ErrorBody{Code: code, Message: message}})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(data)
}

// readJSON decodes the request body into dst. An empty body is accepted so
// endpoints with all-optional fields work without one.
func readJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errext.New(errext.KindValidation, "reading request body: %s", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errext.New(errext.KindValidation, "invalid request body: %s", err)
	}
	return nil
}
