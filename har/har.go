// Package har contains the HTTP Archive (HAR) 1.2 data model used for
// network recording exports.
package har

import "time"

// HAR is the top-level archive object.
type HAR struct {
	Log *Log `json:"log"`
}

// Log holds the exported creator metadata, pages and entries.
type Log struct {
	// Version number of the HAR format.
	Version string `json:"version"`
	// Creator of the HAR file.
	Creator *Creator `json:"creator"`
	// Browser that created the recorded traffic.
	Browser *Browser `json:"browser,omitempty"`
	// Pages is the list of tracked pages, may be empty.
	Pages []Page `json:"pages,omitempty"`
	// Entries is the list of recorded requests, sorted by start time.
	Entries []*Entry `json:"entries"`
	Comment string   `json:"comment,omitempty"`
}

// Creator identifies the application that produced the archive.
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Browser identifies the browser that produced the recorded traffic.
type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Page groups entries belonging to a single page load.
type Page struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	PageTimings     PageTimings `json:"pageTimings"`
}

// PageTimings describes timings for various events fired during a page load.
// A value of -1 means the timing does not apply.
type PageTimings struct {
	OnContentLoad float64 `json:"onContentLoad"`
	OnLoad        float64 `json:"onLoad"`
}

// Entry is one recorded request/response pair.
type Entry struct {
	Pageref         string    `json:"pageref,omitempty"`
	StartedDateTime time.Time `json:"startedDateTime"`
	// Time is the total elapsed time of the request in milliseconds.
	Time     float64   `json:"time"`
	Request  *Request  `json:"request"`
	Response *Response `json:"response"`
	Cache    Cache     `json:"cache"`
	Timings  Timings   `json:"timings"`
	Comment  string    `json:"comment,omitempty"`
}

// Request describes the outgoing request of an entry.
type Request struct {
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	HTTPVersion string        `json:"httpVersion"`
	Cookies     []Cookie      `json:"cookies"`
	Headers     []Header      `json:"headers"`
	QueryString []QueryString `json:"queryString"`
	PostData    *PostData     `json:"postData,omitempty"`
	// HeadersSize is -1 when raw header sizes are unavailable.
	HeadersSize int `json:"headersSize"`
	BodySize    int `json:"bodySize"`
}

// Response describes the received response of an entry.
type Response struct {
	Status      int      `json:"status"`
	StatusText  string   `json:"statusText"`
	HTTPVersion string   `json:"httpVersion"`
	Cookies     []Cookie `json:"cookies"`
	Headers     []Header `json:"headers"`
	Content     Content  `json:"content"`
	RedirectURL string   `json:"redirectURL"`
	HeadersSize int      `json:"headersSize"`
	BodySize    int      `json:"bodySize"`
}

// Cookie is a single request or response cookie.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly bool       `json:"httpOnly,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
}

// Header is a single request or response header. Order is preserved as
// recorded.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// QueryString is a single parsed query string parameter.
type QueryString struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PostData holds the posted request body.
type PostData struct {
	MimeType string  `json:"mimeType"`
	Params   []Param `json:"params,omitempty"`
	Text     string  `json:"text"`
}

// Param is a single posted form parameter.
type Param struct {
	Name        string `json:"name"`
	Value       string `json:"value,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Content holds the response body details.
type Content struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// Cache describes cache usage of an entry. Periscope records live traffic
// only, so the object stays empty.
type Cache struct{}

// Timings breaks down the total entry time in milliseconds. A value of -1
// means the timing is not available.
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}
