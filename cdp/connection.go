// Package cdp speaks the Chrome DevTools Protocol over a WebSocket: a
// multiplexing connection, a page adapter for navigation, screenshots and
// evaluation, and a network recorder feeding the HAR export.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/log"
)

// Connection events. Protocol events are emitted under their CDP method
// names ("Page.loadEventFired", "Network.requestWillBeSent", ...).
const (
	EventClose = "close"
)

const wsWriteBufferSize = 1 << 20

const (
	defaultConnectTimeout = 5 * time.Second
	defaultSendTimeout    = 30 * time.Second
)

// Message is one CDP frame, both directions.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// ProtocolError is the error member of a CDP response.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Options tune the connection.
type Options struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	return o
}

// Connection multiplexes CDP requests and events over one WebSocket. Send
// correlates responses by id; inbound events are emitted under their method
// names. When the socket dies every outstanding waiter fails with
// cdp/transport-closed, as does every later Send.
type Connection struct {
	ctx     context.Context
	logger  *log.Logger
	emitter *events.Emitter
	opts    Options

	host    string
	port    int
	baseURL string

	httpClient *http.Client

	msgID int64

	mu        sync.Mutex
	connected bool
	conn      *websocket.Conn
	sendCh    chan *Message
	done      chan struct{}

	waitersMu sync.Mutex
	waiters   map[int64]chan *Message
}

// NewConnection creates a connection aimed at the DevTools endpoint on
// host:port. Nothing is dialed until Connect.
func NewConnection(ctx context.Context, logger *log.Logger, host string, port int, opts Options) *Connection {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	o := opts.withDefaults()
	return &Connection{
		ctx:        ctx,
		logger:     logger,
		emitter:    events.NewEmitter(ctx),
		opts:       o,
		host:       host,
		port:       port,
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: o.ConnectTimeout},
		waiters:    make(map[int64]chan *Message),
	}
}

// On registers an event channel for the given event types (CDP method names
// or EventClose).
func (c *Connection) On(ctx context.Context, evts []string, ch chan events.Event) {
	c.emitter.On(ctx, evts, ch)
}

// OnAll registers an event channel for every emission.
func (c *Connection) OnAll(ctx context.Context, ch chan events.Event) {
	c.emitter.OnAll(ctx, ch)
}

// IsConnected reports whether the WebSocket is up.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect discovers the target and dials its WebSocket. With an empty
// targetID the browser-wide debugger URL from /json/version is preferred,
// falling back to the first page target in /json/list. Transient failures
// are retried until the connect window closes, then surface as cdp/timeout.
// Connecting an already connected connection is a no-op.
func (c *Connection) Connect(ctx context.Context, targetID string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	var lastErr error
	for {
		lastErr = c.connectOnce(ctx, targetID)
		if lastErr == nil {
			return nil
		}
		// A live endpoint with no page target is a definitive answer.
		if errext.IsKind(lastErr, errext.KindCDPNoTarget) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return errext.WithKind(
				fmt.Errorf("connecting to devtools on %s within %s: %w", c.baseURL, c.opts.ConnectTimeout, lastErr),
				errext.KindCDPTimeout)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (c *Connection) connectOnce(ctx context.Context, targetID string) error {
	wsURL, err := c.discoverTarget(ctx, targetID)
	if err != nil {
		return err
	}
	wsURL = rewriteLocalhost(wsURL, c.host)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.ConnectTimeout,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	c.mu.Lock()
	c.connected = true
	c.conn = conn
	c.sendCh = make(chan *Message, 32)
	c.done = make(chan struct{})
	sendCh, done := c.sendCh, c.done
	c.mu.Unlock()

	go c.recvLoop(conn, done)
	go c.sendLoop(conn, sendCh, done)

	c.logger.Infof("CDP:connect", "connected to %s", wsURL)
	return nil
}

// discoverTarget resolves the WebSocket debugger URL for the wanted target.
func (c *Connection) discoverTarget(ctx context.Context, targetID string) (string, error) {
	if targetID == "" {
		body, err := c.fetch(ctx, c.baseURL+"/json/version")
		if err != nil {
			return "", fmt.Errorf("fetching /json/version: %w", err)
		}
		if u := gjson.GetBytes(body, "webSocketDebuggerUrl").String(); u != "" {
			return u, nil
		}
	}

	body, err := c.fetch(ctx, c.baseURL+"/json/list")
	if err != nil {
		return "", fmt.Errorf("fetching /json/list: %w", err)
	}
	var found string
	gjson.ParseBytes(body).ForEach(func(_, entry gjson.Result) bool {
		if targetID != "" && entry.Get("id").String() != targetID {
			return true
		}
		if targetID == "" && entry.Get("type").String() != "page" {
			return true
		}
		found = entry.Get("webSocketDebuggerUrl").String()
		return false
	})
	if found == "" {
		return "", errext.New(errext.KindCDPNoTarget, "no matching debug target on %s", c.baseURL)
	}
	return found, nil
}

func (c *Connection) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s answered %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// rewriteLocalhost swaps a localhost hostname in the advertised debugger
// URL for the configured host, for the case where the endpoint is reached
// by address while the browser advertises itself as local.
func rewriteLocalhost(wsURL, host string) string {
	if isLocalHostname(host) {
		return wsURL
	}
	u, err := url.Parse(wsURL)
	if err != nil || !isLocalHostname(u.Hostname()) {
		return wsURL
	}
	port := u.Port()
	if port == "" {
		u.Host = host
	} else {
		u.Host = host + ":" + port
	}
	return u.String()
}

func isLocalHostname(h string) bool {
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// Send performs one CDP request and waits for its response. params may be
// nil, a json.RawMessage, or any value that marshals to the method's
// parameter object. The context bounds the wait; its deadline surfaces as
// cdp/timeout.
func (c *Connection) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, errext.New(errext.KindCDPTransportClosed, "cdp connection is closed")
	}
	sendCh, done := c.sendCh, c.done
	c.mu.Unlock()

	var raw json.RawMessage
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		buf, err := json.Marshal(p)
		if err != nil {
			return nil, errext.WithKind(fmt.Errorf("marshaling %s params: %w", method, err), errext.KindCDPProtocol)
		}
		raw = buf
	}

	id := atomic.AddInt64(&c.msgID, 1)
	waiter := make(chan *Message, 1)
	c.waitersMu.Lock()
	c.waiters[id] = waiter
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, id)
		c.waitersMu.Unlock()
	}()

	msg := &Message{ID: id, Method: method, Params: raw}
	recordCommand(method)
	select {
	case sendCh <- msg:
	case <-done:
		return nil, errext.New(errext.KindCDPTransportClosed, "cdp connection closed while sending %s", method)
	case <-ctx.Done():
		return nil, sendCtxErr(ctx.Err(), method)
	}

	select {
	case resp := <-waiter:
		if resp == nil {
			return nil, errext.New(errext.KindCDPTransportClosed, "cdp connection closed awaiting %s", method)
		}
		if resp.Error != nil {
			return nil, errext.WithKind(fmt.Errorf("cdp %s: %w", method, resp.Error), errext.KindCDPProtocol)
		}
		return resp.Result, nil
	case <-done:
		return nil, errext.New(errext.KindCDPTransportClosed, "cdp connection closed awaiting %s", method)
	case <-ctx.Done():
		return nil, sendCtxErr(ctx.Err(), method)
	}
}

func sendCtxErr(err error, method string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errext.New(errext.KindCDPTimeout, "cdp %s timed out", method)
	}
	return errext.WithKindIfNone(err, errext.KindCDPTransportClosed)
}

func (c *Connection) recvLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debugf("CDP:recv", "read failed: %s", err)
			c.teardown(conn, done, false)
			return
		}
		c.logger.Tracef("CDP:recv", "<- %s", buf)

		var msg Message
		if err := json.Unmarshal(buf, &msg); err != nil {
			c.logger.Errorf("CDP:recv", "malformed frame: %s", err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.waitersMu.Lock()
			waiter, ok := c.waiters[msg.ID]
			if ok {
				delete(c.waiters, msg.ID)
			}
			c.waitersMu.Unlock()
			if ok {
				waiter <- &msg
			}
		case msg.Method != "":
			recordEvent()
			c.emitter.Emit(msg.Method, msg.Params)
		default:
			c.logger.Warnf("CDP:recv", "ignoring frame without id or method: %s", buf)
		}
	}
}

func (c *Connection) sendLoop(conn *websocket.Conn, sendCh chan *Message, done chan struct{}) {
	for {
		select {
		case msg := <-sendCh:
			buf, err := json.Marshal(msg)
			if err != nil {
				c.logger.Errorf("CDP:send", "marshaling frame: %s", err)
				continue
			}
			c.logger.Tracef("CDP:send", "-> %s", buf)
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.logger.Debugf("CDP:send", "write failed: %s", err)
				c.teardown(conn, done, false)
				return
			}
		case <-done:
			return
		}
	}
}

// Disconnect closes the WebSocket. Outstanding waiters fail with
// cdp/transport-closed. Disconnecting a closed connection is a no-op.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	conn, done := c.conn, c.done
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	c.teardown(conn, done, true)
}

// teardown closes the socket once and fails every outstanding waiter. It is
// safe to call from both loops and from Disconnect; only the call that
// observes connected=true with the current socket does the work.
func (c *Connection) teardown(conn *websocket.Conn, done chan struct{}, requested bool) {
	c.mu.Lock()
	if !c.connected || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	close(done)
	_ = conn.Close()

	c.waitersMu.Lock()
	waiters := c.waiters
	c.waiters = make(map[int64]chan *Message)
	c.waitersMu.Unlock()
	for _, waiter := range waiters {
		waiter <- nil
	}

	if !requested {
		c.logger.Warnf("CDP:close", "connection to %s:%d lost", c.host, c.port)
	} else {
		c.logger.Infof("CDP:close", "disconnected from %s:%d", c.host, c.port)
	}
	c.emitter.Emit(EventClose, nil)
}
