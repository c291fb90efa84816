package api

import (
	"encoding/base64"
	"net/http"

	"github.com/perimetric/periscope/cdp"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/types"
)

type navigateRequest struct {
	URL       string             `json:"url"`
	WaitUntil string             `json:"waitUntil"`
	Timeout   types.NullDuration `json:"timeout"`
}

func (req navigateRequest) options() cdp.NavigateOptions {
	opts := cdp.NavigateOptions{WaitUntil: req.WaitUntil}
	if req.Timeout.Valid {
		opts.Timeout = req.Timeout.TimeDuration()
	}
	return opts
}

type historyResponse struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

func handleNavigate(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req navigateRequest
		if err := readJSON(r, &req); err != nil {
			apiError(rw, err)
			return
		}
		if req.URL == "" {
			apiError(rw, errext.NewValidation("url", "must not be empty"))
			return
		}
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		res, err := sess.Navigate(r.Context(), req.URL, req.options())
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, res)
	}
}

func handleHistory(cs *ControlSurface, delta int) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		var res cdp.NavigateResult
		if delta < 0 {
			res, err = sess.Back(r.Context())
		} else {
			res, err = sess.Forward(r.Context())
		}
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, historyResponse{URL: res.URL, Title: res.Title})
	}
}

func handleReload(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req navigateRequest
		if err := readJSON(r, &req); err != nil {
			apiError(rw, err)
			return
		}
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		res, err := sess.Reload(r.Context(), req.options())
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, historyResponse{URL: res.URL, Title: res.Title})
	}
}

type screenshotRequest struct {
	Format   string `json:"format"`
	Quality  int    `json:"quality"`
	FullPage bool   `json:"fullPage"`
}

type screenshotResponse struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

func handleScreenshot(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req screenshotRequest
		if err := readJSON(r, &req); err != nil {
			apiError(rw, err)
			return
		}
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		img, format, err := sess.Screenshot(r.Context(), cdp.ScreenshotOptions{
			Format:   req.Format,
			Quality:  req.Quality,
			FullPage: req.FullPage,
		})
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, screenshotResponse{
			Data:   base64.StdEncoding.EncodeToString(img),
			Format: format,
		})
	}
}

type evaluateRequest struct {
	Expression string `json:"expression"`
}

type evaluateResponse struct {
	Result interface{} `json:"result"`
}

func handleEvaluate(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req evaluateRequest
		if err := readJSON(r, &req); err != nil {
			apiError(rw, err)
			return
		}
		if req.Expression == "" {
			apiError(rw, errext.NewValidation("expression", "must not be empty"))
			return
		}
		sess, err := cs.Sessions.Session()
		if err != nil {
			apiError(rw, err)
			return
		}
		res, err := sess.Evaluate(r.Context(), req.Expression)
		if err != nil {
			apiError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, evaluateResponse{Result: res})
	}
}
