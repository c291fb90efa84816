// Package cdpserver provides a fake DevTools endpoint for tests: the JSON
// discovery endpoints plus a scriptable CDP WebSocket. Its default command
// handling is enough for navigation, history, screenshot and network flows,
// and individual methods can be overridden per test.
package cdpserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// PageTargetID is the id of the single page target the server advertises.
const PageTargetID = "page-1"

// PageTitle is the title every navigated page reports.
const PageTitle = "Test Page"

// CmdError is a protocol-level error a handler can answer with.
type CmdError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// HandlerFunc answers one CDP command. Returning NoReply suppresses the
// response entirely, leaving the caller waiting.
type HandlerFunc func(params json.RawMessage) (interface{}, *CmdError)

// NoReply makes a handler swallow the command without responding.
var NoReply interface{} = &noReply{}

type noReply struct{}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CmdError       `json:"error,omitempty"`
}

type historyEntry struct {
	ID    int64  `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Server is a fake CDP browser endpoint backed by httptest. The default mux
// route serves httpbin, so page-level HTTP requests have something real to
// talk to as well.
type Server struct {
	t    testing.TB
	Mux  *http.ServeMux
	HTTP *httptest.Server
	Host string
	Port int

	mu            sync.Mutex
	handlers      map[string]HandlerFunc
	received      []string
	conns         map[*websocket.Conn]chan message
	history       []historyEntry
	historyIdx    int
	nextHistoryID int64
	noBrowserWS   bool
	noTargets     bool

	screenshot string
}

// New returns a running fake CDP server. It is shut down via t.Cleanup.
func New(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	s := &Server{
		t:             t,
		Mux:           mux,
		handlers:      make(map[string]HandlerFunc),
		conns:         make(map[*websocket.Conn]chan message),
		history:       []historyEntry{{ID: 1, URL: "about:blank"}},
		nextHistoryID: 2,
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	s.screenshot = base64.StdEncoding.EncodeToString(buf.Bytes())

	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/json/list", s.handleList)
	mux.HandleFunc("/devtools/", s.handleWS)

	s.HTTP = httptest.NewServer(mux)
	t.Cleanup(s.HTTP.Close)

	host, portStr, err := net.SplitHostPort(s.HTTP.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	s.Host, s.Port = host, port

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithoutBrowserTarget hides the browser-wide debugger URL so clients must
// fall back to the page target list.
func WithoutBrowserTarget() func(*Server) {
	return func(s *Server) { s.noBrowserWS = true }
}

// WithoutTargets advertises no debuggable targets at all.
func WithoutTargets() func(*Server) {
	return func(s *Server) {
		s.noBrowserWS = true
		s.noTargets = true
	}
}

// SetHandler overrides the response for one CDP method.
func (s *Server) SetHandler(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Received returns the CDP methods received so far, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// Emit broadcasts a CDP event to every connected client.
func (s *Server) Emit(method string, params interface{}) {
	buf, err := json.Marshal(params)
	require.NoError(s.t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, writeCh := range s.conns {
		select {
		case writeCh <- message{Method: method, Params: buf}:
		default:
		}
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{
		"Browser":          "HeadlessChrome/120.0.6099.109",
		"Protocol-Version": "1.3",
		"User-Agent":       "Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/120.0.6099.109",
	}
	if !s.noBrowserWS {
		resp["webSocketDebuggerUrl"] = fmt.Sprintf("ws://%s:%d/devtools/browser/1", s.Host, s.Port)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	targets := []map[string]string{}
	if !s.noTargets {
		targets = append(targets, map[string]string{
			"id":                   PageTargetID,
			"type":                 "page",
			"title":                "about:blank",
			"url":                  "about:blank",
			"webSocketDebuggerUrl": fmt.Sprintf("ws://%s:%d/devtools/page/%s", s.Host, s.Port, PageTargetID),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(targets)
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
	if err != nil {
		return
	}

	done := make(chan struct{})
	writeCh := make(chan message, 64)

	s.mu.Lock()
	s.conns[conn] = writeCh
	s.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-writeCh:
				buf, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg message
		if err := json.Unmarshal(buf, &msg); err != nil {
			continue
		}
		s.dispatch(&msg, writeCh)
	}

	close(done)
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) dispatch(msg *message, writeCh chan message) {
	if msg.Method == "" {
		return
	}

	s.mu.Lock()
	s.received = append(s.received, msg.Method)
	handler := s.handlers[msg.Method]
	s.mu.Unlock()

	if handler != nil {
		result, cmdErr := handler(msg.Params)
		if result == NoReply {
			return
		}
		if cmdErr != nil {
			writeCh <- message{ID: msg.ID, Error: cmdErr}
			return
		}
		s.reply(writeCh, msg.ID, result)
		return
	}

	s.builtin(msg, writeCh)
}

// builtin provides passable default behavior for the methods the adapters
// exercise. Anything unknown is acknowledged with an empty result.
func (s *Server) builtin(msg *message, writeCh chan message) {
	params := gjson.ParseBytes(msg.Params)

	switch msg.Method {
	case "Page.navigate":
		s.mu.Lock()
		s.history = append(s.history[:s.historyIdx+1], historyEntry{
			ID:    s.nextHistoryID,
			URL:   params.Get("url").String(),
			Title: PageTitle,
		})
		s.nextHistoryID++
		s.historyIdx = len(s.history) - 1
		s.mu.Unlock()

		s.reply(writeCh, msg.ID, map[string]string{"frameId": "frame-1", "loaderId": "loader-1"})
		s.fireLoadEvents(writeCh)

	case "Page.reload":
		s.reply(writeCh, msg.ID, map[string]string{})
		s.fireLoadEvents(writeCh)

	case "Page.getNavigationHistory":
		s.mu.Lock()
		entries := make([]historyEntry, len(s.history))
		copy(entries, s.history)
		idx := s.historyIdx
		s.mu.Unlock()
		s.reply(writeCh, msg.ID, map[string]interface{}{
			"currentIndex": idx,
			"entries":      entries,
		})

	case "Page.navigateToHistoryEntry":
		entryID := params.Get("entryId").Int()
		s.mu.Lock()
		for i, e := range s.history {
			if e.ID == entryID {
				s.historyIdx = i
				break
			}
		}
		s.mu.Unlock()
		s.reply(writeCh, msg.ID, map[string]string{})
		s.fireLoadEvents(writeCh)

	case "Page.captureScreenshot":
		s.reply(writeCh, msg.ID, map[string]string{"data": s.screenshot})

	case "Page.getLayoutMetrics":
		s.reply(writeCh, msg.ID, map[string]interface{}{
			"contentSize": map[string]float64{"x": 0, "y": 0, "width": 1280, "height": 2400},
		})

	case "Runtime.evaluate":
		s.reply(writeCh, msg.ID, map[string]interface{}{
			"result": map[string]interface{}{"type": "undefined"},
		})

	case "Network.getResponseBody":
		writeCh <- message{ID: msg.ID, Error: &CmdError{
			Code:    -32000,
			Message: "No resource with given identifier found",
		}}

	default:
		s.reply(writeCh, msg.ID, map[string]string{})
	}
}

func (s *Server) reply(writeCh chan message, id int64, result interface{}) {
	buf, err := json.Marshal(result)
	require.NoError(s.t, err)
	writeCh <- message{ID: id, Result: buf}
}

// fireLoadEvents pushes the lifecycle events a navigation produces, after
// the command response already sits in the write queue.
func (s *Server) fireLoadEvents(writeCh chan message) {
	ts, err := json.Marshal(map[string]float64{"timestamp": 1000})
	require.NoError(s.t, err)
	writeCh <- message{Method: "Page.domContentEventFired", Params: ts}
	writeCh <- message{Method: "Page.loadEventFired", Params: ts}
}
