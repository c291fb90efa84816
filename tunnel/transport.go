// Package tunnel implements the SSH transport, the TCP port forwarders built
// on its channels, and the connection pool that hands out shared transports.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/log"
)

// Events emitted by a Transport.
const (
	EventReady   = "ready"
	EventClose   = "close"
	EventError   = "error"
	EventTimeout = "timeout"
)

// ErrorDetail is the payload of an EventError emission.
type ErrorDetail struct {
	Kind   errext.Kind `json:"kind"`
	Detail string      `json:"detail"`
}

// ExecResult carries the outcome of a remote command. A nonzero ExitCode is
// a normal outcome, not an error.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// TransportOptions tune connection setup and liveness checking.
type TransportOptions struct {
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCount    int
}

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepaliveInterval = 5 * time.Second
	defaultKeepaliveCount    = 3
	defaultExecTimeout       = 30 * time.Second
)

func (o TransportOptions) withDefaults() TransportOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = defaultKeepaliveInterval
	}
	if o.KeepaliveCount <= 0 {
		o.KeepaliveCount = defaultKeepaliveCount
	}
	return o
}

type transportState int

const (
	stateDisconnected transportState = iota
	stateConnecting
	stateConnected
)

// Transport is an authenticated SSH connection to one host. It is shared by
// the remote browser (exec), the forwarders (channel opens) and, through a
// forward, the CDP connection. Exec calls are serialized; connect and
// disconnect are safe to call at any time.
type Transport struct {
	ctx     context.Context
	logger  *log.Logger
	fs      afero.Fs
	desc    config.Descriptor
	opts    TransportOptions
	emitter *events.Emitter

	connMu sync.Mutex // serializes Connect/Disconnect
	execMu sync.Mutex // serializes Exec

	mu              sync.Mutex // guards the fields below
	state           transportState
	client          *ssh.Client
	keepaliveCancel context.CancelFunc
}

// NewTransport creates a transport for the given descriptor. No network
// activity happens until Connect.
func NewTransport(
	ctx context.Context, logger *log.Logger, fs afero.Fs,
	desc config.Descriptor, opts TransportOptions,
) *Transport {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Transport{
		ctx:     ctx,
		logger:  logger,
		fs:      fs,
		desc:    desc,
		opts:    opts.withDefaults(),
		emitter: events.NewEmitter(ctx),
	}
}

// On registers an event channel for the given event types.
func (t *Transport) On(ctx context.Context, evts []string, ch chan events.Event) {
	t.emitter.On(ctx, evts, ch)
}

// OnAll registers an event channel for every transport event.
func (t *Transport) OnAll(ctx context.Context, ch chan events.Event) {
	t.emitter.OnAll(ctx, ch)
}

// Addr returns the host:port this transport dials.
func (t *Transport) Addr() string {
	return net.JoinHostPort(t.desc.Host, fmt.Sprintf("%d", t.desc.Port))
}

// Descriptor returns the connection descriptor the transport was built from.
func (t *Transport) Descriptor() config.Descriptor {
	return t.desc
}

// IsConnected reports whether the transport currently holds a live client.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateConnected
}

// Connect dials and authenticates. Connecting an already connected transport
// is a no-op. Auth material is resolved before any network dial so a missing
// key passphrase fails fast.
func (t *Transport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.mu.Lock()
	if t.state == stateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = stateConnecting
	t.mu.Unlock()

	err := t.connect(ctx)
	if err != nil {
		t.mu.Lock()
		t.state = stateDisconnected
		t.mu.Unlock()

		kind := classify(err)
		t.logger.Errorf("Transport:connect", "connecting to %s: %s", t.Addr(), err)
		t.emitter.Emit(EventError, ErrorDetail{Kind: kind, Detail: err.Error()})
		return errext.WithKindIfNone(err, kind)
	}

	t.logger.Infof("Transport:connect", "connected to %s as %s", t.Addr(), t.desc.Username)
	t.emitter.Emit(EventReady, nil)
	return nil
}

func (t *Transport) connect(ctx context.Context) error {
	auth, err := t.authMethods()
	if err != nil {
		return err
	}

	cfg := &ssh.ClientConfig{
		User:            t.desc.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         t.opts.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: t.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.Addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, t.Addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", t.Addr(), err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	kaCtx, kaCancel := context.WithCancel(t.ctx)

	t.mu.Lock()
	t.client = client
	t.state = stateConnected
	t.keepaliveCancel = kaCancel
	t.mu.Unlock()

	go t.keepalive(kaCtx, client)
	go t.watchClose(client)

	return nil
}

func (t *Transport) authMethods() ([]ssh.AuthMethod, error) {
	switch t.desc.AuthKind {
	case config.AuthPassword:
		return []ssh.AuthMethod{ssh.Password(t.desc.Password)}, nil
	case config.AuthPrivateKey:
		signer, err := LoadPrivateKey(t.fs, t.desc.KeyPath, t.desc.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, errext.NewValidation("authKind", "unsupported auth kind %q", t.desc.AuthKind)
	}
}

// keepalive pings the server on a fixed interval. After KeepaliveCount
// consecutive misses the transport is considered lost and torn down.
func (t *Transport) keepalive(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(t.opts.KeepaliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		replied := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			replied <- err
		}()

		select {
		case <-ctx.Done():
			return
		case err := <-replied:
			if err == nil {
				failures = 0
				continue
			}
			failures++
		case <-time.After(t.opts.KeepaliveInterval):
			failures++
		}

		t.logger.Warnf("Transport:keepalive", "keepalive to %s missed (%d/%d)", t.Addr(), failures, t.opts.KeepaliveCount)
		if failures >= t.opts.KeepaliveCount {
			t.emitter.Emit(EventTimeout, ErrorDetail{
				Kind:   errext.KindTimeout,
				Detail: fmt.Sprintf("no keepalive reply from %s after %d attempts", t.Addr(), failures),
			})
			t.teardown()
			return
		}
	}
}

// watchClose tears the transport down when the server closes the connection
// underneath us.
func (t *Transport) watchClose(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	stillCurrent := t.client == client && t.state == stateConnected
	t.mu.Unlock()
	if !stillCurrent {
		return
	}

	if err != nil {
		t.logger.Warnf("Transport:close", "connection to %s lost: %s", t.Addr(), err)
		t.emitter.Emit(EventError, ErrorDetail{Kind: classify(err), Detail: err.Error()})
	}
	t.teardown()
}

// Disconnect closes the transport. Disconnecting a transport that is not
// connected is a no-op.
func (t *Transport) Disconnect() {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	t.teardown()
}

func (t *Transport) teardown() {
	t.mu.Lock()
	if t.state != stateConnected {
		t.mu.Unlock()
		return
	}
	t.state = stateDisconnected
	client := t.client
	t.client = nil
	if t.keepaliveCancel != nil {
		t.keepaliveCancel()
		t.keepaliveCancel = nil
	}
	t.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	t.logger.Infof("Transport:close", "disconnected from %s", t.Addr())
	t.emitter.Emit(EventClose, nil)
}

func (t *Transport) liveClient() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateConnected || t.client == nil {
		return nil, errext.New(errext.KindTransportNotConnected, "transport to %s is not connected", t.Addr())
	}
	return t.client, nil
}

// Exec runs a command on the remote host and waits for it to finish. A
// nonzero exit status is reported in the result, not as an error. Concurrent
// calls are serialized.
func (t *Transport) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	t.execMu.Lock()
	defer t.execMu.Unlock()

	client, err := t.liveClient()
	if err != nil {
		return ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, errext.WithKindIfNone(fmt.Errorf("opening session: %w", err), classify(err))
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	t.logger.Debugf("Transport:exec", "running %q on %s", cmd, t.Addr())

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{}, errext.New(errext.KindTimeout, "command %q timed out after %s", cmd, timeout)
	case <-ctx.Done():
		return ExecResult{}, errext.WithKindIfNone(ctx.Err(), classify(ctx.Err()))
	}

	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		switch e := err.(type) {
		case *ssh.ExitError:
			result.ExitCode = e.ExitStatus()
		case *ssh.ExitMissingError:
			result.ExitCode = -1
		default:
			return result, errext.WithKindIfNone(fmt.Errorf("running %q: %w", cmd, err), classify(err))
		}
	}
	return result, nil
}

// OpenChannel opens a direct-tcpip channel to host:port on the remote side.
func (t *Transport) OpenChannel(host string, port int) (net.Conn, error) {
	client, err := t.liveClient()
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, errext.WithKindIfNone(fmt.Errorf("opening channel to %s:%d: %w", host, port, err), classify(err))
	}
	return conn, nil
}

// OpenChannelFrom opens a direct-tcpip channel announcing src as the
// originator, so the remote side sees the real peer of a forwarded socket.
func (t *Transport) OpenChannelFrom(src net.Addr, host string, port int) (net.Conn, error) {
	client, err := t.liveClient()
	if err != nil {
		return nil, err
	}

	laddr, ok := src.(*net.TCPAddr)
	if !ok {
		laddr = &net.TCPAddr{IP: net.IPv4zero, Port: 0}
	}
	raddr := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
	if raddr.IP == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			// Let the remote side resolve the name.
			return t.OpenChannel(host, port)
		}
		raddr.IP = ips[0]
	}

	conn, err := client.DialTCP("tcp", laddr, raddr)
	if err != nil {
		return nil, errext.WithKindIfNone(fmt.Errorf("opening channel to %s:%d: %w", host, port, err), classify(err))
	}
	return conn, nil
}

// Listen requests a remote listener on host:port, for remote forwards.
func (t *Transport) Listen(host string, port int) (net.Listener, error) {
	client, err := t.liveClient()
	if err != nil {
		return nil, err
	}
	ln, err := client.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, errext.WithKindIfNone(fmt.Errorf("remote listen on %s:%d: %w", host, port, err), classify(err))
	}
	return ln, nil
}

// classify maps transport-level errors onto stable kinds: authentication
// related text becomes auth, timeouts become timeout, everything else is a
// connection error. The original message survives in the wrapped error.
func classify(err error) errext.Kind {
	if err == nil {
		return errext.KindConnection
	}
	if kind := errext.KindOf(err); kind != "" {
		return kind
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errext.KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "auth"):
		return errext.KindAuth
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return errext.KindTimeout
	default:
		return errext.KindConnection
	}
}
