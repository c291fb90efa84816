package cdp

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/har"
	"github.com/perimetric/periscope/lib/consts"
	"github.com/perimetric/periscope/log"
)

// Recorder events.
const (
	EventRequestFinished = "network:requestFinished"
	EventRequestFailed   = "network:requestFailed"
)

// Network.enable buffer sizes, matching what DevTools itself requests.
const (
	maxTotalBufferSize    = 10_000_000
	maxResourceBufferSize = 5_000_000
)

// Header is one request or response header in wire order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RecordedRequest is the request half of a network entry. Timestamp is the
// CDP monotonic clock in milliseconds, not wall time.
type RecordedRequest struct {
	Method       string   `json:"method"`
	URL          string   `json:"url"`
	Headers      []Header `json:"headers"`
	PostData     string   `json:"postData,omitempty"`
	Timestamp    float64  `json:"ts"`
	ResourceType string   `json:"resourceType,omitempty"`
}

// RecordedResponse is the response half of a network entry.
type RecordedResponse struct {
	Status        int             `json:"status"`
	StatusText    string          `json:"statusText"`
	Headers       []Header        `json:"headers"`
	MimeType      string          `json:"mimeType"`
	ContentLength int             `json:"contentLength"`
	Timing        json.RawMessage `json:"timing,omitempty"`
}

// Entry is one recorded request. A finished entry has either a response or
// an error, and a non-negative duration.
type Entry struct {
	RequestID  string            `json:"requestId"`
	StartedAt  time.Time         `json:"startedAt"`
	Request    *RecordedRequest  `json:"request"`
	Response   *RecordedResponse `json:"response,omitempty"`
	Body       string            `json:"responseBody,omitempty"`
	BodyBase64 bool              `json:"responseBodyBase64,omitempty"`
	Error      string            `json:"error,omitempty"`
	Duration   float64           `json:"durationMs,omitempty"`
	Finished   bool              `json:"finished"`
}

// EntryFilter selects and pages entries. Zero values mean "no filter"; a
// Limit of 0 means no paging.
type EntryFilter struct {
	Type   string
	Status int
	Limit  int
	Offset int
}

// Recorder assembles Network.* events into request entries and exports them
// as HAR. It stays subscribed for its whole lifetime; the recording flag
// decides whether events are handled or dropped.
type Recorder struct {
	ctx    context.Context
	logger *log.Logger
	conn   *Connection

	emitter *events.Emitter

	mu        sync.Mutex
	recording bool
	entries   map[string]*Entry
	order     []string
}

// NewRecorder subscribes to the connection's network events. Recording
// starts off; call Start to enable capture.
func NewRecorder(ctx context.Context, logger *log.Logger, conn *Connection) *Recorder {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	r := &Recorder{
		ctx:     ctx,
		logger:  logger,
		conn:    conn,
		emitter: events.NewEmitter(ctx),
		entries: make(map[string]*Entry),
	}

	ch := make(chan events.Event, 64)
	conn.On(ctx, []string{
		"Network.requestWillBeSent",
		"Network.responseReceived",
		"Network.loadingFinished",
		"Network.loadingFailed",
	}, ch)
	go r.handleEvents(ch)

	return r
}

// On registers an event channel for the given recorder events.
func (r *Recorder) On(ctx context.Context, evts []string, ch chan events.Event) {
	r.emitter.On(ctx, evts, ch)
}

// OnAll registers an event channel for every recorder emission.
func (r *Recorder) OnAll(ctx context.Context, ch chan events.Event) {
	r.emitter.OnAll(ctx, ch)
}

// IsRecording reports whether capture is enabled.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start enables the Network domain and begins capturing. Starting an already
// recording recorder is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	_, err := r.conn.Send(ctx, "Network.enable", map[string]int{
		"maxTotalBufferSize":    maxTotalBufferSize,
		"maxResourceBufferSize": maxResourceBufferSize,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.recording = true
	r.mu.Unlock()
	r.logger.Debugf("Recorder", "network recording started")
	return nil
}

// Stop stops capturing and disables the Network domain. The subscription
// stays registered; captured entries are kept until Clear.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	wasRecording := r.recording
	r.recording = false
	r.mu.Unlock()
	if !wasRecording {
		return nil
	}

	_, err := r.conn.Send(ctx, "Network.disable", nil)
	r.logger.Debugf("Recorder", "network recording stopped")
	return err
}

// Clear drops all captured entries. The recording flag is untouched.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
	r.order = nil
}

// Count returns the number of captured entries.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Entries returns entry snapshots matching the filter in capture order,
// paged by Limit/Offset, plus the total match count before paging.
func (r *Recorder) Entries(filter EntryFilter) ([]Entry, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if filter.Type != "" && !strings.EqualFold(e.Request.ResourceType, filter.Type) {
			continue
		}
		if filter.Status != 0 && (e.Response == nil || e.Response.Status != filter.Status) {
			continue
		}
		matched = append(matched, *e)
	}
	total := len(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Entry{}, total
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total
}

// handleEvents assembles entries from the network event stream. Events that
// arrive while recording is off, or that reference unknown requests, are
// dropped.
func (r *Recorder) handleEvents(ch chan events.Event) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-ch:
			if !r.IsRecording() {
				continue
			}
			params, ok := ev.Data.(json.RawMessage)
			if !ok {
				continue
			}
			switch ev.Type {
			case "Network.requestWillBeSent":
				r.onRequestWillBeSent(gjson.ParseBytes(params))
			case "Network.responseReceived":
				r.onResponseReceived(gjson.ParseBytes(params))
			case "Network.loadingFinished":
				r.onLoadingFinished(gjson.ParseBytes(params))
			case "Network.loadingFailed":
				r.onLoadingFailed(gjson.ParseBytes(params))
			}
		}
	}
}

func (r *Recorder) onRequestWillBeSent(params gjson.Result) {
	id := params.Get("requestId").String()
	if id == "" {
		return
	}

	req := &RecordedRequest{
		Method:       params.Get("request.method").String(),
		URL:          params.Get("request.url").String(),
		Headers:      parseHeaders(params.Get("request.headers")),
		PostData:     params.Get("request.postData").String(),
		Timestamp:    params.Get("timestamp").Float() * 1000,
		ResourceType: params.Get("type").String(),
	}

	startedAt := time.Now()
	if wallTime := params.Get("wallTime").Float(); wallTime > 0 {
		startedAt = time.Unix(0, int64(wallTime*float64(time.Second)))
	}

	r.mu.Lock()
	if existing, ok := r.entries[id]; ok {
		// A redirect reuses the request id; the latest hop wins, keeping
		// the original insertion position.
		existing.Request = req
		existing.Response = nil
		r.mu.Unlock()
		return
	}
	r.entries[id] = &Entry{
		RequestID: id,
		StartedAt: startedAt,
		Request:   req,
	}
	r.order = append(r.order, id)
	r.mu.Unlock()

	recordEntry()
	r.logger.Tracef("Recorder", "request %s %s %s", id, req.Method, req.URL)
}

func (r *Recorder) onResponseReceived(params gjson.Result) {
	id := params.Get("requestId").String()
	headers := parseHeaders(params.Get("response.headers"))

	contentLength := 0
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-length") {
			if n, err := strconv.Atoi(h.Value); err == nil {
				contentLength = n
			}
			break
		}
	}

	resp := &RecordedResponse{
		Status:        int(params.Get("response.status").Int()),
		StatusText:    params.Get("response.statusText").String(),
		Headers:       headers,
		MimeType:      params.Get("response.mimeType").String(),
		ContentLength: contentLength,
	}
	if timing := params.Get("response.timing"); timing.Exists() {
		resp.Timing = json.RawMessage(timing.Raw)
	}

	r.mu.Lock()
	if entry, ok := r.entries[id]; ok {
		entry.Response = resp
	}
	r.mu.Unlock()
}

func (r *Recorder) onLoadingFinished(params gjson.Result) {
	id := params.Get("requestId").String()

	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.Duration = duration(entry.Request.Timestamp, params.Get("timestamp").Float())
	hasResponse := entry.Response != nil
	r.mu.Unlock()

	var body string
	var base64Encoded bool
	if hasResponse {
		// Bodies are unavailable for 204s and redirects; a failed fetch
		// still leaves a finished entry.
		res, err := r.conn.Send(r.ctx, "Network.getResponseBody", map[string]string{"requestId": id})
		if err == nil {
			body = gjson.GetBytes(res, "body").String()
			base64Encoded = gjson.GetBytes(res, "base64Encoded").Bool()
		} else {
			r.logger.Tracef("Recorder", "no body for %s: %s", id, err)
		}
	}

	r.mu.Lock()
	entry.Body = body
	entry.BodyBase64 = base64Encoded
	entry.Finished = true
	snapshot := *entry
	r.mu.Unlock()

	r.emitter.Emit(EventRequestFinished, snapshot)
}

func (r *Recorder) onLoadingFailed(params gjson.Result) {
	id := params.Get("requestId").String()

	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.Error = params.Get("errorText").String()
	entry.Duration = duration(entry.Request.Timestamp, params.Get("timestamp").Float())
	entry.Finished = true
	snapshot := *entry
	r.mu.Unlock()

	r.emitter.Emit(EventRequestFailed, snapshot)
	r.emitter.Emit(EventRequestFinished, snapshot)
}

// duration computes finish − start in milliseconds, clamped at zero.
func duration(startMS, finishS float64) float64 {
	d := finishS*1000 - startMS
	if d < 0 {
		return 0
	}
	return d
}

// parseHeaders flattens a CDP headers object into ordered name/value pairs.
func parseHeaders(obj gjson.Result) []Header {
	headers := make([]Header, 0)
	obj.ForEach(func(key, value gjson.Result) bool {
		headers = append(headers, Header{Name: key.String(), Value: value.String()})
		return true
	})
	return headers
}

// ExportHAR renders the captured entries as a HAR 1.2 archive. Entries
// without a response are skipped.
func (r *Recorder) ExportHAR() *har.HAR {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e.Response != nil {
			entries = append(entries, *e)
		}
	}
	r.mu.Unlock()

	harEntries := make([]*har.Entry, 0, len(entries))
	for i := range entries {
		harEntries = append(harEntries, toHAREntry(&entries[i]))
	}
	sort.Sort(har.EntryByStarted(harEntries))

	return &har.HAR{
		Log: &har.Log{
			Version: "1.2",
			Creator: &har.Creator{
				Name:    consts.AppName,
				Version: consts.Version,
			},
			Entries: harEntries,
		},
	}
}

func toHAREntry(e *Entry) *har.Entry {
	req := &har.Request{
		Method:      e.Request.Method,
		URL:         e.Request.URL,
		HTTPVersion: "HTTP/1.1",
		Cookies:     []har.Cookie{},
		Headers:     toHARHeaders(e.Request.Headers),
		QueryString: toHARQueryString(e.Request.URL),
		HeadersSize: -1,
		BodySize:    len(e.Request.PostData),
	}
	if e.Request.PostData != "" {
		req.PostData = &har.PostData{
			MimeType: postDataMimeType(e.Request.Headers),
			Text:     e.Request.PostData,
		}
	}

	resp := &har.Response{
		Status:      e.Response.Status,
		StatusText:  e.Response.StatusText,
		HTTPVersion: "HTTP/1.1",
		Cookies:     []har.Cookie{},
		Headers:     toHARHeaders(e.Response.Headers),
		Content: har.Content{
			Size:     e.Response.ContentLength,
			MimeType: e.Response.MimeType,
			Text:     e.Body,
		},
		RedirectURL: headerValue(e.Response.Headers, "location"),
		HeadersSize: -1,
		BodySize:    e.Response.ContentLength,
	}
	if e.BodyBase64 {
		resp.Content.Encoding = "base64"
	}
	if resp.Content.Size == 0 && e.Body != "" {
		resp.Content.Size = len(e.Body)
	}

	return &har.Entry{
		StartedDateTime: e.StartedAt,
		Time:            e.Duration,
		Request:         req,
		Response:        resp,
		Timings: har.Timings{
			Blocked: -1,
			DNS:     -1,
			Connect: -1,
			Send:    0,
			Wait:    e.Duration,
			Receive: 0,
			SSL:     -1,
		},
	}
}

func toHARHeaders(headers []Header) []har.Header {
	out := make([]har.Header, 0, len(headers))
	for _, h := range headers {
		out = append(out, har.Header{Name: h.Name, Value: h.Value})
	}
	return out
}

func toHARQueryString(rawURL string) []har.QueryString {
	out := make([]har.QueryString, 0)
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		out = append(out, har.QueryString{Name: name, Value: value})
	}
	return out
}

func postDataMimeType(headers []Header) string {
	if v := headerValue(headers, "content-type"); v != "" {
		return v
	}
	return "application/octet-stream"
}

func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
