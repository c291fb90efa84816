package session

import (
	"context"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/guregu/null.v3"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/log"
)

// StartOptions are the per-start overrides accepted by Manager.Start. Unset
// fields fall back to the stored defaults.
type StartOptions struct {
	ConnectionID string    `json:"connectionId"`
	Headless     null.Bool `json:"headless"`
	LocalPort    null.Int  `json:"localPort"`
	RemotePort   null.Int  `json:"remotePort"`
}

// Status is the answer to "is anything running right now".
type Status struct {
	Active bool   `json:"active"`
	State  *State `json:"state"`
}

// Manager holds at most one session at a time and republishes its events on
// a stream that survives session turnover, so subscribers never have to
// resubscribe.
type Manager struct {
	ctx      context.Context
	logger   *log.Logger
	fs       afero.Fs
	store    *config.Store
	defaults Options
	emitter  *events.Emitter

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager backed by the given connection store.
func NewManager(
	ctx context.Context, logger *log.Logger, fs afero.Fs,
	store *config.Store, defaults Options,
) *Manager {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Manager{
		ctx:      ctx,
		logger:   logger,
		fs:       fs,
		store:    store,
		defaults: defaults,
		emitter:  events.NewEmitter(ctx),
	}
}

// On subscribes ch to the given event types until ctx is done.
func (m *Manager) On(ctx context.Context, evts []string, ch chan events.Event) {
	m.emitter.On(ctx, evts, ch)
}

// OnAll subscribes ch to every event until ctx is done.
func (m *Manager) OnAll(ctx context.Context, ch chan events.Event) {
	m.emitter.OnAll(ctx, ch)
}

// Current returns the session in progress, nil when there is none.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Session returns the active session or a session/not-active error.
func (m *Manager) Session() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, errext.New(errext.KindSessionNotActive, "no active session")
	}
	return m.current, nil
}

// Status reports whether a session exists and its state, nil when idle.
func (m *Manager) Status() Status {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return Status{}
	}
	state := cur.State()
	return Status{Active: cur.Active(), State: &state}
}

// Stats returns the active session's counters.
func (m *Manager) Stats() (Stats, error) {
	sess, err := m.Session()
	if err != nil {
		return Stats{}, err
	}
	return sess.Stats(), nil
}

// Start resolves the connection, merges the stored defaults with the
// per-start overrides and brings a new session up. Only one session may
// exist at a time.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (State, error) {
	if opts.ConnectionID == "" {
		return State{}, errext.New(errext.KindValidation, "connectionId is required")
	}
	m.mu.Lock()
	busy := m.current != nil
	m.mu.Unlock()
	if busy {
		return State{}, errext.New(errext.KindSessionAlreadyActive, "a session is already active")
	}

	desc, err := m.store.Get(opts.ConnectionID)
	if err != nil {
		return State{}, err
	}

	o := m.defaults
	settings := m.store.BrowserSettings()
	o.Headless = settings.Headless
	if settings.ExecutablePath != "" {
		o.ExecutablePath = settings.ExecutablePath
	}
	if settings.UserDataDir != "" {
		o.UserDataDir = settings.UserDataDir
	}
	if settings.ReadyTimeout.Valid {
		o.Browser.ReadyTimeout = settings.ReadyTimeout.TimeDuration()
	}
	forwards := m.store.PortForwardDefaults()
	if forwards.LocalHost != "" {
		o.LocalHost = forwards.LocalHost
	}
	if forwards.LocalPort != 0 {
		o.LocalPort = forwards.LocalPort
	}
	if forwards.RemotePort != 0 {
		o.RemotePort = forwards.RemotePort
	}
	if opts.Headless.Valid {
		o.Headless = opts.Headless.Bool
	}
	if opts.LocalPort.Valid {
		o.LocalPort = int(opts.LocalPort.Int64)
	}
	if opts.RemotePort.Valid {
		o.RemotePort = int(opts.RemotePort.Int64)
	}

	sess := New(m.ctx, m.logger, m.fs, desc, o)

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return State{}, errext.New(errext.KindSessionAlreadyActive, "a session is already active")
	}
	m.current = sess
	m.mu.Unlock()
	m.relay(sess)

	if err := sess.Start(ctx); err != nil {
		m.mu.Lock()
		if m.current == sess {
			m.current = nil
		}
		m.mu.Unlock()
		return State{}, err
	}

	if err := m.store.SetLastConnection(desc.ID); err != nil {
		m.logger.Warnf("Manager:start", "remembering last connection failed: %s", err)
	}
	return sess.State(), nil
}

// Stop tears the current session down.
func (m *Manager) Stop(ctx context.Context) error {
	sess, err := m.Session()
	if err != nil {
		return err
	}
	if err := sess.Stop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if m.current == sess {
		m.current = nil
	}
	m.mu.Unlock()
	return nil
}

// relay copies the session's events onto the manager stream until the
// session announces it is closed.
func (m *Manager) relay(sess *Session) {
	rctx, cancel := context.WithCancel(m.ctx)
	ch := make(chan events.Event, 64)
	sess.OnAll(rctx, ch)
	go func() {
		defer cancel()
		for {
			select {
			case <-rctx.Done():
				return
			case ev := <-ch:
				m.emitter.Emit(ev.Type, ev.Data)
				if ev.Type == EventClosed {
					return
				}
			}
		}
	}()
}
