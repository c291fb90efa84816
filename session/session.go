// Package session orchestrates the four legs of a remote browsing session:
// the SSH transport, the remote browser process, the local port forward and
// the CDP connection. It owns their startup order, reverses it on teardown
// and broadcasts every state change to subscribers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/perimetric/periscope/browser"
	"github.com/perimetric/periscope/cdp"
	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/har"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/tunnel"
)

// Events emitted by a session. Network capture events from the recorder and
// forwarder errors are relayed under their own names.
const (
	EventStateChange = "state:change"
	EventReady       = "ready"
	EventClosed      = "closed"
	EventError       = "error"
)

// ErrorDetail is the payload of an EventError emission.
type ErrorDetail struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Options configure a single session.
type Options struct {
	// LocalHost is the address the forward listens on. LocalPort 0 picks an
	// ephemeral port; the bound port is available from LocalPort() once the
	// forward is up.
	LocalHost string
	LocalPort int
	// RemotePort is the debug port the browser is launched with on the
	// remote host.
	RemotePort int

	Headless       bool
	ExecutablePath string
	UserDataDir    string

	Transport tunnel.TransportOptions
	Browser   browser.Options
	CDP       cdp.Options
}

func (o Options) withDefaults() Options {
	if o.LocalHost == "" {
		o.LocalHost = "127.0.0.1"
	}
	if o.RemotePort == 0 {
		o.RemotePort = 9222
	}
	return o
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseActive
	phaseStopping
	phaseClosed
)

// Session drives one connection's browsing session from cold to ready and
// back. It is single use: once stopped it cannot be started again.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
	fs     afero.Fs
	desc   config.Descriptor
	opts   Options

	// emitter outlives ctx cancellation so the final closed event is still
	// delivered; it is bound to the parent context.
	emitter *events.Emitter

	mu        sync.Mutex
	phase     phase
	state     State
	startedAt time.Time
	localPort int
	undo      []func()

	transport *tunnel.Transport
	forwarder *tunnel.Forwarder
	browser   *browser.Browser
	proc      *browser.Process
	conn      *cdp.Connection
	page      *cdp.Page
	recorder  *cdp.Recorder

	navigations int64
	screenshots int64
	evaluations int64
}

// New creates a session for the descriptor. Nothing happens until Start.
func New(
	ctx context.Context, logger *log.Logger, fs afero.Fs,
	desc config.Descriptor, opts Options,
) *Session {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:     sctx,
		cancel:  cancel,
		logger:  logger,
		fs:      fs,
		desc:    desc,
		opts:    opts.withDefaults(),
		emitter: events.NewEmitter(ctx),
		state:   initialState(),
	}
}

// On subscribes ch to the given event types until ctx is done.
func (s *Session) On(ctx context.Context, evts []string, ch chan events.Event) {
	s.emitter.On(ctx, evts, ch)
}

// OnAll subscribes ch to every event until ctx is done.
func (s *Session) OnAll(ctx context.Context, ch chan events.Event) {
	s.emitter.OnAll(ctx, ch)
}

// State returns a snapshot of the four axes.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether all four legs are up.
func (s *Session) Ready() bool {
	return s.State().Ready()
}

// Active reports whether the session is starting or running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseStarting || s.phase == phaseActive
}

// Descriptor returns the connection descriptor the session was built from.
func (s *Session) Descriptor() config.Descriptor {
	return s.desc
}

// LocalPort returns the bound local forward port, 0 before the forward is up.
func (s *Session) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

// Start brings the session up: SSH first, then the remote browser, the local
// forward and finally the CDP connection. Any failure unwinds the steps
// already taken in reverse order and leaves the session closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if p := s.phase; p != phaseIdle {
		s.mu.Unlock()
		if p == phaseClosed {
			return errext.New(errext.KindSessionNotActive, "session is closed")
		}
		return errext.New(errext.KindSessionAlreadyActive, "a session is already active")
	}
	s.phase = phaseStarting
	s.mu.Unlock()

	if err := s.bringUp(ctx); err != nil {
		s.unwind()
		s.mu.Lock()
		s.phase = phaseClosed
		s.mu.Unlock()
		s.cancel()
		recordSessionFailed()
		kind := errext.KindOf(err)
		if kind == "" {
			kind = errext.KindSessionStartFailed
		}
		s.emitter.Emit(EventError, ErrorDetail{Kind: string(kind), Detail: err.Error()})
		s.emitter.Emit(EventClosed, nil)
		return errext.WithKind(
			fmt.Errorf("session start: %w", err), errext.KindSessionStartFailed,
		)
	}

	s.mu.Lock()
	s.phase = phaseActive
	s.startedAt = time.Now()
	state := s.state
	s.mu.Unlock()
	recordSessionStarted()
	s.logger.Infof("Session:start", "session ready (connection %s, local port %d)",
		s.desc.ID, s.LocalPort())
	s.emitter.Emit(EventReady, state)
	return nil
}

func (s *Session) bringUp(ctx context.Context) error {
	// Leg 1: SSH.
	s.setAxis(func(st *State) { st.SSH = SSHConnecting })
	transport := tunnel.NewTransport(s.ctx, s.logger, s.fs, s.desc, s.opts.Transport)
	if err := transport.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = transport
	s.undo = append(s.undo, transport.Disconnect)
	s.mu.Unlock()
	s.setAxis(func(st *State) { st.SSH = SSHConnected })

	// Leg 2: remote browser process.
	s.setAxis(func(st *State) { st.Browser = BrowserStarting })
	b := browser.New(s.logger, transport, s.opts.Browser)
	proc, err := b.Launch(ctx, browser.LaunchOptions{
		ExecutablePath: s.opts.ExecutablePath,
		UserDataDir:    s.opts.UserDataDir,
		Headless:       s.opts.Headless,
		DebugPort:      s.opts.RemotePort,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.browser, s.proc = b, proc
	s.undo = append(s.undo, func() { b.Cleanup(context.Background()) })
	s.mu.Unlock()

	// Leg 3: local forward, then readiness through it.
	forwarder := tunnel.NewForwarder(s.ctx, s.logger, transport)
	rule, err := forwarder.StartLocal(s.opts.LocalHost, s.opts.LocalPort, "127.0.0.1", s.opts.RemotePort)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.forwarder = forwarder
	s.localPort = rule.LocalPort
	s.undo = append(s.undo, forwarder.StopAll)
	s.mu.Unlock()
	s.setAxis(func(st *State) { st.PortForward = ForwardActive })

	baseURL := fmt.Sprintf("http://%s:%d", s.opts.LocalHost, rule.LocalPort)
	if err := b.WaitReady(ctx, proc, baseURL); err != nil {
		return err
	}
	s.setAxis(func(st *State) { st.Browser = BrowserRunning })

	// Leg 4: CDP over the forward.
	s.setAxis(func(st *State) { st.CDP = CDPConnecting })
	conn := cdp.NewConnection(s.ctx, s.logger, s.opts.LocalHost, rule.LocalPort, s.opts.CDP)
	if err := conn.Connect(ctx, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.undo = append(s.undo, conn.Disconnect)
	s.mu.Unlock()

	page := cdp.NewPage(s.logger, conn)
	if err := page.Enable(ctx); err != nil {
		return err
	}
	recorder := cdp.NewRecorder(s.ctx, s.logger, conn)
	s.mu.Lock()
	s.page, s.recorder = page, recorder
	s.mu.Unlock()
	s.setAxis(func(st *State) { st.CDP = CDPConnected })

	s.startRelay(transport, forwarder, recorder)
	return nil
}

// startRelay republishes component events on the session emitter so a single
// subscription covers the whole session. Transport failures surface as
// session errors; capture and forward events keep their own names.
func (s *Session) startRelay(
	transport *tunnel.Transport, forwarder *tunnel.Forwarder, recorder *cdp.Recorder,
) {
	ch := make(chan events.Event, 64)
	transport.On(s.ctx, []string{tunnel.EventError, tunnel.EventTimeout, tunnel.EventClose}, ch)
	forwarder.On(s.ctx, []string{tunnel.EventForwardError}, ch)
	recorder.OnAll(s.ctx, ch)

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev := <-ch:
				switch ev.Type {
				case tunnel.EventError, tunnel.EventTimeout:
					detail := ErrorDetail{Kind: string(errext.KindConnection)}
					if d, ok := ev.Data.(tunnel.ErrorDetail); ok {
						detail.Kind, detail.Detail = string(d.Kind), d.Detail
					}
					s.emitter.Emit(EventError, detail)
				case tunnel.EventClose:
					if s.Active() {
						s.emitter.Emit(EventError, ErrorDetail{
							Kind:   string(errext.KindConnection),
							Detail: "ssh transport closed",
						})
					}
				default:
					s.emitter.Emit(ev.Type, ev.Data)
				}
			}
		}
	}()
}

// unwind runs the undo stack in reverse and resets the axes. Teardown errors
// are swallowed; the components log their own.
func (s *Session) unwind() {
	s.mu.Lock()
	undo := s.undo
	s.undo = nil
	s.transport, s.forwarder, s.browser, s.proc = nil, nil, nil, nil
	s.conn, s.page, s.recorder = nil, nil, nil
	s.localPort = 0
	s.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}

	s.mu.Lock()
	s.state = initialState()
	state := s.state
	s.mu.Unlock()
	s.emitter.Emit(EventStateChange, state)
}

// Stop tears the session down in reverse start order: CDP, forward, browser,
// SSH. Each step swallows its own errors so a dead transport cannot wedge
// the teardown. Stopping a session that is not running fails with
// session/not-active.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != phaseActive {
		s.mu.Unlock()
		return errext.New(errext.KindSessionNotActive, "no active session")
	}
	s.phase = phaseStopping
	conn, forwarder, b, transport := s.conn, s.forwarder, s.browser, s.transport
	s.conn, s.page, s.recorder = nil, nil, nil
	s.forwarder, s.browser, s.proc, s.transport = nil, nil, nil, nil
	s.undo = nil
	s.localPort = 0
	s.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	s.setAxis(func(st *State) { st.CDP = CDPDisconnected })
	if forwarder != nil {
		forwarder.StopAll()
	}
	s.setAxis(func(st *State) { st.PortForward = ForwardInactive })
	if b != nil {
		b.Cleanup(ctx)
	}
	s.setAxis(func(st *State) { st.Browser = BrowserStopped })
	if transport != nil {
		transport.Disconnect()
	}
	s.setAxis(func(st *State) { st.SSH = SSHDisconnected })

	s.mu.Lock()
	s.phase = phaseClosed
	s.mu.Unlock()
	s.cancel()
	recordSessionStopped()
	s.logger.Infof("Session:stop", "session closed (connection %s)", s.desc.ID)
	s.emitter.Emit(EventClosed, nil)
	return nil
}

func (s *Session) setAxis(mut func(*State)) {
	s.mu.Lock()
	mut(&s.state)
	state := s.state
	s.mu.Unlock()
	s.emitter.Emit(EventStateChange, state)
}

// adapter returns the page once the session is fully up.
func (s *Session) adapter() (*cdp.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseActive || s.page == nil {
		return nil, errext.New(errext.KindSessionNotActive, "no active session")
	}
	return s.page, nil
}

func (s *Session) networkRecorder() (*cdp.Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseActive || s.recorder == nil {
		return nil, errext.New(errext.KindSessionNotActive, "no active session")
	}
	return s.recorder, nil
}

// Navigate loads url in the remote page.
func (s *Session) Navigate(ctx context.Context, url string, opts cdp.NavigateOptions) (cdp.NavigateResult, error) {
	p, err := s.adapter()
	if err != nil {
		return cdp.NavigateResult{}, err
	}
	res, err := p.Navigate(ctx, url, opts)
	if err == nil {
		atomic.AddInt64(&s.navigations, 1)
		recordNavigation()
	}
	return res, err
}

// Reload reloads the current page.
func (s *Session) Reload(ctx context.Context, opts cdp.NavigateOptions) (cdp.NavigateResult, error) {
	p, err := s.adapter()
	if err != nil {
		return cdp.NavigateResult{}, err
	}
	res, err := p.Reload(ctx, opts)
	if err == nil {
		atomic.AddInt64(&s.navigations, 1)
		recordNavigation()
	}
	return res, err
}

// Back steps one entry back in the page history.
func (s *Session) Back(ctx context.Context) (cdp.NavigateResult, error) {
	p, err := s.adapter()
	if err != nil {
		return cdp.NavigateResult{}, err
	}
	return p.Back(ctx)
}

// Forward steps one entry forward in the page history.
func (s *Session) Forward(ctx context.Context) (cdp.NavigateResult, error) {
	p, err := s.adapter()
	if err != nil {
		return cdp.NavigateResult{}, err
	}
	return p.Forward(ctx)
}

// Screenshot captures the page and returns the image bytes and format.
func (s *Session) Screenshot(ctx context.Context, opts cdp.ScreenshotOptions) ([]byte, string, error) {
	p, err := s.adapter()
	if err != nil {
		return nil, "", err
	}
	img, format, err := p.Screenshot(ctx, opts)
	if err == nil {
		atomic.AddInt64(&s.screenshots, 1)
		recordScreenshot()
	}
	return img, format, err
}

// Evaluate runs the expression in the page and returns its JSON value.
func (s *Session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	p, err := s.adapter()
	if err != nil {
		return nil, err
	}
	res, err := p.Evaluate(ctx, expression)
	if err == nil {
		atomic.AddInt64(&s.evaluations, 1)
		recordEvaluation()
	}
	return res, err
}

// NetworkStart begins capturing network traffic.
func (s *Session) NetworkStart(ctx context.Context) error {
	r, err := s.networkRecorder()
	if err != nil {
		return err
	}
	return r.Start(ctx)
}

// NetworkStop stops capturing. Recorded entries are kept.
func (s *Session) NetworkStop(ctx context.Context) error {
	r, err := s.networkRecorder()
	if err != nil {
		return err
	}
	return r.Stop(ctx)
}

// NetworkClear drops all recorded entries.
func (s *Session) NetworkClear() error {
	r, err := s.networkRecorder()
	if err != nil {
		return err
	}
	r.Clear()
	return nil
}

// NetworkRecording reports whether capture is on.
func (s *Session) NetworkRecording() bool {
	r, err := s.networkRecorder()
	if err != nil {
		return false
	}
	return r.IsRecording()
}

// NetworkEntries returns a filtered page of recorded entries and the total
// matching count.
func (s *Session) NetworkEntries(filter cdp.EntryFilter) ([]cdp.Entry, int, error) {
	r, err := s.networkRecorder()
	if err != nil {
		return nil, 0, err
	}
	entries, total := r.Entries(filter)
	return entries, total, nil
}

// NetworkExportHAR renders the recorded traffic as a HAR archive.
func (s *Session) NetworkExportHAR() (*har.HAR, error) {
	r, err := s.networkRecorder()
	if err != nil {
		return nil, err
	}
	return r.ExportHAR(), nil
}

// Stats is a point-in-time activity summary for the session.
type Stats struct {
	StartedAt      time.Time `json:"startedAt"`
	UptimeSeconds  int64     `json:"uptimeSeconds"`
	Navigations    int64     `json:"navigations"`
	Screenshots    int64     `json:"screenshots"`
	Evaluations    int64     `json:"evaluations"`
	NetworkEntries int       `json:"networkEntries"`
	Recording      bool      `json:"recording"`
}

// Stats returns a snapshot of session activity counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	startedAt := s.startedAt
	recorder := s.recorder
	s.mu.Unlock()

	st := Stats{
		StartedAt:   startedAt,
		Navigations: atomic.LoadInt64(&s.navigations),
		Screenshots: atomic.LoadInt64(&s.screenshots),
		Evaluations: atomic.LoadInt64(&s.evaluations),
	}
	if !startedAt.IsZero() {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	if recorder != nil {
		st.NetworkEntries = recorder.Count()
		st.Recording = recorder.IsRecording()
	}
	return st
}
