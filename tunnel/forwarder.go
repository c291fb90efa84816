package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/log"
)

// Events emitted by a Forwarder.
const (
	EventForwardError = "forward:error"
)

// ForwardErrorDetail is the payload of an EventForwardError emission. Failed
// channel opens are reported this way so the listener survives them.
type ForwardErrorDetail struct {
	RuleID     string `json:"ruleId"`
	RemoteHost string `json:"remoteHost"`
	RemotePort int    `json:"remotePort"`
	Detail     string `json:"detail"`
}

// Forward rule states.
const (
	ForwardInactive = "inactive"
	ForwardActive   = "active"
	ForwardError    = "error"
)

// Rule is the externally visible description of one forward.
type Rule struct {
	ID          string `json:"id"`
	Remote      bool   `json:"remote"`
	LocalAddr   string `json:"localAddr"`
	LocalPort   int    `json:"localPort"`
	RemoteHost  string `json:"remoteHost"`
	RemotePort  int    `json:"remotePort"`
	State       string `json:"state"`
	ActiveConns int    `json:"activeConns"`
}

// connPair is one forwarded socket: the accepted side and the channel (or
// dialed) side. Close is idempotent.
type connPair struct {
	src  net.Conn
	dst  net.Conn
	once sync.Once
}

func (p *connPair) close() {
	p.once.Do(func() {
		_ = p.src.Close()
		_ = p.dst.Close()
	})
}

// forward is the internal state behind a Rule.
type forward struct {
	rule   Rule
	ln     net.Listener
	cancel context.CancelFunc

	mu          sync.Mutex
	activeConns map[uint64]*connPair
	nextConnID  uint64
	stopped     bool
	wg          sync.WaitGroup
}

// addPair registers a pair unless the forward is already stopping.
func (f *forward) addPair(p *connPair) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0, false
	}
	f.nextConnID++
	f.activeConns[f.nextConnID] = p
	return f.nextConnID, true
}

func (f *forward) removePair(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.activeConns, id)
}

func (f *forward) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activeConns)
}

// drain marks the forward stopped and closes every active pair.
func (f *forward) drain() {
	f.mu.Lock()
	f.stopped = true
	pairs := make([]*connPair, 0, len(f.activeConns))
	for _, p := range f.activeConns {
		pairs = append(pairs, p)
	}
	f.mu.Unlock()
	for _, p := range pairs {
		p.close()
	}
}

// Forwarder manages TCP forwards over one transport. Local forwards own a
// local listener and open a channel per accepted socket; remote forwards own
// a remote listener and dial a destination per inbound channel.
type Forwarder struct {
	ctx       context.Context
	logger    *log.Logger
	transport *Transport
	emitter   *events.Emitter

	mu       sync.Mutex
	forwards map[string]*forward
}

// NewForwarder creates a forwarder bound to the given transport.
func NewForwarder(ctx context.Context, logger *log.Logger, transport *Transport) *Forwarder {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Forwarder{
		ctx:       ctx,
		logger:    logger,
		transport: transport,
		emitter:   events.NewEmitter(ctx),
		forwards:  make(map[string]*forward),
	}
}

// On registers an event channel for the given event types.
func (f *Forwarder) On(ctx context.Context, evts []string, ch chan events.Event) {
	f.emitter.On(ctx, evts, ch)
}

// StartLocal binds localAddr:localPort and forwards every accepted socket to
// remoteHost:remotePort through the transport.
func (f *Forwarder) StartLocal(localAddr string, localPort int, remoteHost string, remotePort int) (Rule, error) {
	if !f.transport.IsConnected() {
		return Rule{}, errext.New(errext.KindTransportNotConnected, "cannot start forward: transport is not connected")
	}

	addr := net.JoinHostPort(localAddr, fmt.Sprintf("%d", localPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Rule{}, errext.WithKind(fmt.Errorf("listening on %s: %w", addr, err), errext.KindPortForward)
	}

	// The requested port may have been 0.
	localPort = ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(f.ctx)
	fw := &forward{
		rule: Rule{
			ID:         uuid.New().String(),
			LocalAddr:  localAddr,
			LocalPort:  localPort,
			RemoteHost: remoteHost,
			RemotePort: remotePort,
			State:      ForwardActive,
		},
		ln:          ln,
		cancel:      cancel,
		activeConns: make(map[uint64]*connPair),
	}

	f.mu.Lock()
	f.forwards[fw.rule.ID] = fw
	f.mu.Unlock()

	fw.wg.Add(1)
	go f.acceptLoop(ctx, fw)

	f.logger.Infof("Forwarder:start", "forwarding %s -> %s:%d (rule %s)", addr, remoteHost, remotePort, fw.rule.ID)
	return fw.rule, nil
}

// StartRemote asks the remote side to listen on remoteListenAddr:remoteListenPort
// and forwards every inbound channel to destHost:destPort, dialed locally.
func (f *Forwarder) StartRemote(remoteListenAddr string, remoteListenPort int, destHost string, destPort int) (Rule, error) {
	ln, err := f.transport.Listen(remoteListenAddr, remoteListenPort)
	if err != nil {
		return Rule{}, errext.WithKindIfNone(err, errext.KindPortForward)
	}

	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		remoteListenPort = tcp.Port
	}

	ctx, cancel := context.WithCancel(f.ctx)
	fw := &forward{
		rule: Rule{
			ID:         uuid.New().String(),
			Remote:     true,
			LocalAddr:  destHost,
			LocalPort:  destPort,
			RemoteHost: remoteListenAddr,
			RemotePort: remoteListenPort,
			State:      ForwardActive,
		},
		ln:          ln,
		cancel:      cancel,
		activeConns: make(map[uint64]*connPair),
	}

	f.mu.Lock()
	f.forwards[fw.rule.ID] = fw
	f.mu.Unlock()

	fw.wg.Add(1)
	go f.acceptLoop(ctx, fw)

	f.logger.Infof("Forwarder:start", "remote %s:%d -> %s:%d (rule %s)",
		remoteListenAddr, remoteListenPort, destHost, destPort, fw.rule.ID)
	return fw.rule, nil
}

// acceptLoop serves one forward until its listener closes. Per-connection
// failures are emitted as events, never returned: one refused channel must
// not take the listener down.
func (f *Forwarder) acceptLoop(ctx context.Context, fw *forward) {
	defer fw.wg.Done()

	for {
		src, err := fw.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				f.logger.Debugf("Forwarder:accept", "listener for rule %s closed: %s", fw.rule.ID, err)
			}
			return
		}

		fw.wg.Add(1)
		go func() {
			defer fw.wg.Done()
			f.handleConn(fw, src)
		}()
	}
}

func (f *Forwarder) handleConn(fw *forward, src net.Conn) {
	var dst net.Conn
	var err error
	if fw.rule.Remote {
		dst, err = net.Dial("tcp", net.JoinHostPort(fw.rule.LocalAddr, fmt.Sprintf("%d", fw.rule.LocalPort)))
	} else {
		dst, err = f.transport.OpenChannelFrom(src.RemoteAddr(), fw.rule.RemoteHost, fw.rule.RemotePort)
	}
	if err != nil {
		_ = src.Close()
		f.logger.Warnf("Forwarder:conn", "rule %s: opening destination failed: %s", fw.rule.ID, err)
		f.emitter.Emit(EventForwardError, ForwardErrorDetail{
			RuleID:     fw.rule.ID,
			RemoteHost: fw.rule.RemoteHost,
			RemotePort: fw.rule.RemotePort,
			Detail:     err.Error(),
		})
		return
	}

	pair := &connPair{src: src, dst: dst}
	id, ok := fw.addPair(pair)
	if !ok {
		pair.close()
		return
	}
	recordForwardConnection()

	// Bytes flow both ways until either side ends; then both ends close and
	// the pair leaves activeConns, so nothing is delivered past removal.
	g := errgroup.Group{}
	g.Go(func() error {
		n, err := io.Copy(dst, src)
		recordForwardBytes("outbound", n)
		pair.close()
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(src, dst)
		recordForwardBytes("inbound", n)
		pair.close()
		return err
	})
	_ = g.Wait()
	fw.removePair(id)
}

// Stop tears down one forward: every active pair is destroyed, the listener
// closes, the rule disappears. Stopping an unknown or already stopped rule
// is a no-op.
func (f *Forwarder) Stop(ruleID string) {
	f.mu.Lock()
	fw, ok := f.forwards[ruleID]
	if ok {
		delete(f.forwards, ruleID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	fw.cancel()
	fw.drain()
	_ = fw.ln.Close()
	fw.wg.Wait()
	fw.rule.State = ForwardInactive

	f.logger.Infof("Forwarder:stop", "stopped rule %s", ruleID)
}

// StopAll stops every forward.
func (f *Forwarder) StopAll() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.forwards))
	for id := range f.forwards {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.Stop(id)
	}
}

// List returns a snapshot of the active rules.
func (f *Forwarder) List() []Rule {
	f.mu.Lock()
	defer f.mu.Unlock()

	rules := make([]Rule, 0, len(f.forwards))
	for _, fw := range f.forwards {
		r := fw.rule
		r.ActiveConns = fw.connCount()
		rules = append(rules, r)
	}
	return rules
}
