// Package browser starts, finds and stops a Chromium-family browser on the
// far side of an SSH transport. All process management goes through remote
// shell commands; the only local I/O is the readiness poll against the
// forwarded DevTools port.
package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/tunnel"
)

// Candidate executables probed with test -x, in order.
var (
	linuxCandidates = []string{
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
		"/opt/google/chrome/chrome",
	}
	darwinCandidates = []string{
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	defaultExecTimeout  = 30 * time.Second
	defaultUserDataDir  = "/tmp/periscope-profile"

	// killPause sits between the graceful and the forced kill, and after
	// clearing stragglers so the debug port is free again.
	killPause = 500 * time.Millisecond
)

// Options tune the browser manager itself, not one launch.
type Options struct {
	ReadyTimeout time.Duration
	PollInterval time.Duration
	ExecTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = defaultExecTimeout
	}
	return o
}

// LaunchOptions parameterize one launch.
type LaunchOptions struct {
	ExecutablePath string // detected when empty
	UserDataDir    string
	Headless       bool
	DebugAddress   string
	DebugPort      int
}

func (o LaunchOptions) withDefaults() LaunchOptions {
	if o.DebugAddress == "" {
		o.DebugAddress = "127.0.0.1"
	}
	if o.DebugPort == 0 {
		o.DebugPort = 9222
	}
	if o.UserDataDir == "" {
		o.UserDataDir = defaultUserDataDir
	}
	return o
}

// Process is one launched browser: the remote PID plus, once the readiness
// poll has seen the DevTools endpoint, its version and WebSocket URL.
type Process struct {
	PID      int    `json:"pid"`
	Version  string `json:"version,omitempty"`
	DebugURL string `json:"debugUrl,omitempty"`
}

// ProcessInfo describes a browser-looking process found on the remote host.
type ProcessInfo struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// Browser manages the remote browser process over one transport.
type Browser struct {
	logger     *log.Logger
	transport  *tunnel.Transport
	opts       Options
	httpClient *http.Client

	mu   sync.Mutex
	proc *Process
}

// New returns a Browser bound to the given transport. Nothing runs remotely
// until Launch.
func New(logger *log.Logger, transport *tunnel.Transport, opts Options) *Browser {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	o := opts.withDefaults()
	return &Browser{
		logger:     logger,
		transport:  transport,
		opts:       o,
		httpClient: &http.Client{Timeout: o.PollInterval * 5},
	}
}

// Current returns the last launched process, or nil.
func (b *Browser) Current() *Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc
}

// DetectPath finds a Chromium-family executable on the remote host: uname
// picks the candidate list, each candidate is probed with test -x, and a
// which lookup is the last resort.
func (b *Browser) DetectPath(ctx context.Context) (string, error) {
	res, err := b.transport.Exec(ctx, "uname -s", b.opts.ExecTimeout)
	if err != nil {
		return "", err
	}
	candidates := linuxCandidates
	if strings.TrimSpace(res.Stdout) == "Darwin" {
		candidates = darwinCandidates
	}

	for _, path := range candidates {
		res, err := b.transport.Exec(ctx, "test -x "+shellQuote(path), b.opts.ExecTimeout)
		if err != nil {
			return "", err
		}
		if res.ExitCode == 0 {
			b.logger.Debugf("Browser:detect", "found %s", path)
			return path, nil
		}
	}

	res, err = b.transport.Exec(ctx, "which google-chrome chromium chromium-browser", b.opts.ExecTimeout)
	if err != nil {
		return "", err
	}
	if first := firstLine(res.Stdout); first != "" {
		b.logger.Debugf("Browser:detect", "found %s via which", first)
		return first, nil
	}

	return "", errext.New(errext.KindBrowserNotFound, "no chromium-family executable found on the remote host")
}

// Launch starts the browser detached on the remote host and captures its
// PID. The DevTools endpoint is not awaited here: readiness needs the local
// forward, which only exists once the process does. Call WaitReady after
// the forward is up.
func (b *Browser) Launch(ctx context.Context, opts LaunchOptions) (*Process, error) {
	opts = opts.withDefaults()

	path := opts.ExecutablePath
	if path == "" {
		var err error
		if path, err = b.DetectPath(ctx); err != nil {
			return nil, err
		}
	}

	if err := b.prepareHost(ctx, opts); err != nil {
		return nil, err
	}

	args, err := buildArgs(defaultFlags(opts))
	if err != nil {
		return nil, errext.WithKind(err, errext.KindBrowserLaunchFailed)
	}
	pid, err := b.spawn(ctx, path, args)
	if err != nil {
		return nil, err
	}

	proc := &Process{PID: pid}
	b.mu.Lock()
	b.proc = proc
	b.mu.Unlock()

	b.logger.Infof("Browser:launch", "%s running with pid %d, devtools on %s:%d",
		path, pid, opts.DebugAddress, opts.DebugPort)
	return proc, nil
}

// prepareHost makes sure the user data directory exists and no straggler
// from an earlier run still owns the debug port.
func (b *Browser) prepareHost(ctx context.Context, opts LaunchOptions) error {
	res, err := b.transport.Exec(ctx, "mkdir -p "+shellQuote(opts.UserDataDir), b.opts.ExecTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errext.New(errext.KindBrowserLaunchFailed,
			"creating user data dir %s: %s", opts.UserDataDir, strings.TrimSpace(res.Stderr))
	}

	kill := fmt.Sprintf("pkill -f %s || true",
		shellQuote(fmt.Sprintf("remote-debugging-port=%d", opts.DebugPort)))
	if _, err := b.transport.Exec(ctx, kill, b.opts.ExecTimeout); err != nil {
		return err
	}
	time.Sleep(killPause)
	return nil
}

// spawn runs the launch line and parses the child PID echoed by the shell.
func (b *Browser) spawn(ctx context.Context, path string, args []string) (int, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	line := fmt.Sprintf("nohup %s %s >/dev/null 2>&1 & echo $!",
		shellQuote(path), strings.Join(quoted, " "))

	res, err := b.transport.Exec(ctx, "sh -c "+shellQuote(line), b.opts.ExecTimeout)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		execErr := &errext.ExecError{Cmd: path, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
		return 0, errext.WithKind(execErr, errext.KindBrowserLaunchFailed)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, errext.New(errext.KindBrowserLaunchFailed, "no pid captured from launch output %q", res.Stdout)
	}
	return pid, nil
}

// WaitReady polls the DevTools endpoint through baseURL (the local end of
// the forward) until the browser answers, then records its version and
// WebSocket debugger URL on the process.
func (b *Browser) WaitReady(ctx context.Context, proc *Process, baseURL string) error {
	deadline := time.Now().Add(b.opts.ReadyTimeout)
	url := strings.TrimSuffix(baseURL, "/") + "/json/version"

	for {
		body, err := b.fetchVersion(ctx, url)
		if err == nil {
			proc.Version = gjson.GetBytes(body, "Browser").String()
			proc.DebugURL = gjson.GetBytes(body, "webSocketDebuggerUrl").String()
			b.logger.Infof("Browser:ready", "%s answering through %s", proc.Version, baseURL)
			return nil
		}
		b.logger.Tracef("Browser:ready", "devtools not up yet: %s", err)

		if time.Now().After(deadline) {
			return errext.New(errext.KindBrowserLaunchTimeout,
				"browser did not answer on %s within %s", baseURL, b.opts.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return errext.WithKindIfNone(ctx.Err(), errext.KindBrowserLaunchTimeout)
		case <-time.After(b.opts.PollInterval):
		}
	}
}

func (b *Browser) fetchVersion(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools endpoint answered %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Kill stops a remote browser: a graceful kill, a pause, then a forced one.
// With pid <= 0 the last launched process is used; if none is known the
// call is a no-op.
func (b *Browser) Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		b.mu.Lock()
		if b.proc != nil {
			pid = b.proc.PID
		}
		b.mu.Unlock()
	}
	if pid <= 0 {
		return nil
	}

	if _, err := b.transport.Exec(ctx, fmt.Sprintf("kill %d", pid), b.opts.ExecTimeout); err != nil {
		return err
	}
	time.Sleep(killPause)
	_, err := b.transport.Exec(ctx, fmt.Sprintf("kill -9 %d 2>/dev/null || true", pid), b.opts.ExecTimeout)
	return err
}

// FindRunning lists remote processes that hold a DevTools debug port.
func (b *Browser) FindRunning(ctx context.Context) ([]ProcessInfo, error) {
	res, err := b.transport.Exec(ctx,
		"ps axo pid=,args= | grep -F remote-debugging-port | grep -v grep", b.opts.ExecTimeout)
	if err != nil {
		return nil, err
	}

	// grep exits 1 when nothing matches; an empty list is not an error.
	var infos []ProcessInfo
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		infos = append(infos, ProcessInfo{PID: pid, Command: strings.Join(fields[1:], " ")})
	}
	return infos, nil
}

// Cleanup kills the last launched process if one is known. Errors are
// logged, not returned: teardown must not abort teardown.
func (b *Browser) Cleanup(ctx context.Context) {
	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	b.mu.Unlock()
	if proc == nil {
		return
	}
	if err := b.Kill(ctx, proc.PID); err != nil {
		b.logger.Warnf("Browser:cleanup", "killing pid %d: %s", proc.PID, err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
