package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/lib/testutils/sshserver"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/tunnel"
)

// remoteHost scripts the fake remote side and records every command the
// browser runs on it.
type remoteHost struct {
	mu   sync.Mutex
	cmds []string

	handler sshserver.ExecHandler
}

func (h *remoteHost) exec(cmd string) (string, string, int) {
	h.mu.Lock()
	h.cmds = append(h.cmds, cmd)
	h.mu.Unlock()
	return h.handler(cmd)
}

func (h *remoteHost) commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cmds...)
}

func newTestBrowser(t *testing.T, host *remoteHost) *Browser {
	t.Helper()

	srv := sshserver.New(t)
	srv.SetExecHandler(host.exec)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := tunnel.NewTransport(ctx, log.NewNullLogger(), afero.NewOsFs(), config.Descriptor{
		ID:       "test",
		Host:     srv.Host,
		Port:     srv.Port,
		Username: srv.User,
		AuthKind: config.AuthPassword,
		Password: srv.Password,
	}, tunnel.TransportOptions{})
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(tr.Disconnect)

	return New(log.NewNullLogger(), tr, Options{ExecTimeout: 5 * time.Second})
}

// linuxWith returns a handler for a Linux host where only the given
// executable paths exist.
func linuxWith(paths ...string) sshserver.ExecHandler {
	return func(cmd string) (string, string, int) {
		switch {
		case cmd == "uname -s":
			return "Linux\n", "", 0
		case strings.HasPrefix(cmd, "test -x "):
			for _, p := range paths {
				if strings.Contains(cmd, p) {
					return "", "", 0
				}
			}
			return "", "", 1
		case strings.HasPrefix(cmd, "which "):
			return "", "", 1
		case strings.HasPrefix(cmd, "mkdir -p "):
			return "", "", 0
		case strings.HasPrefix(cmd, "pkill "):
			return "", "", 1
		case strings.HasPrefix(cmd, "sh -c ") && strings.Contains(cmd, "nohup"):
			return "12345\n", "", 0
		default:
			return "", fmt.Sprintf("unexpected command %q", cmd), 127
		}
	}
}

func TestDetectPath(t *testing.T) {
	t.Parallel()

	t.Run("linux candidate", func(t *testing.T) {
		t.Parallel()
		host := &remoteHost{handler: linuxWith("/usr/bin/chromium-browser")}
		b := newTestBrowser(t, host)

		path, err := b.DetectPath(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/chromium-browser", path)
	})

	t.Run("darwin candidate", func(t *testing.T) {
		t.Parallel()
		host := &remoteHost{handler: func(cmd string) (string, string, int) {
			switch {
			case cmd == "uname -s":
				return "Darwin\n", "", 0
			case strings.HasPrefix(cmd, "test -x "):
				if strings.Contains(cmd, "Google Chrome.app") {
					return "", "", 0
				}
				return "", "", 1
			default:
				return "", "", 1
			}
		}}
		b := newTestBrowser(t, host)

		path, err := b.DetectPath(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome", path)
	})

	t.Run("which fallback", func(t *testing.T) {
		t.Parallel()
		host := &remoteHost{handler: func(cmd string) (string, string, int) {
			switch {
			case cmd == "uname -s":
				return "Linux\n", "", 0
			case strings.HasPrefix(cmd, "test -x "):
				return "", "", 1
			case strings.HasPrefix(cmd, "which "):
				return "/usr/local/bin/chromium\n", "", 0
			default:
				return "", "", 1
			}
		}}
		b := newTestBrowser(t, host)

		path, err := b.DetectPath(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/usr/local/bin/chromium", path)
	})

	t.Run("nothing installed", func(t *testing.T) {
		t.Parallel()
		host := &remoteHost{handler: linuxWith()}
		b := newTestBrowser(t, host)

		_, err := b.DetectPath(context.Background())
		require.Error(t, err)
		assert.Equal(t, errext.KindBrowserNotFound, errext.KindOf(err))
	})
}

func TestLaunch(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: linuxWith("/usr/bin/google-chrome")}
	b := newTestBrowser(t, host)

	proc, err := b.Launch(context.Background(), LaunchOptions{
		Headless:    true,
		DebugPort:   9222,
		UserDataDir: "/tmp/profile dir",
	})
	require.NoError(t, err)
	assert.Equal(t, 12345, proc.PID)
	assert.Same(t, proc, b.Current())

	cmds := host.commands()
	var mkdirAt, pkillAt, spawnAt = -1, -1, -1
	for i, cmd := range cmds {
		switch {
		case strings.HasPrefix(cmd, "mkdir -p "):
			mkdirAt = i
			assert.Contains(t, cmd, "'/tmp/profile dir'")
		case strings.HasPrefix(cmd, "pkill "):
			pkillAt = i
			assert.Contains(t, cmd, "remote-debugging-port=9222")
			assert.True(t, strings.HasSuffix(cmd, "|| true"), cmd)
		case strings.Contains(cmd, "nohup"):
			spawnAt = i
			assert.True(t, strings.HasPrefix(cmd, "sh -c "), cmd)
			assert.Contains(t, cmd, "/usr/bin/google-chrome")
			assert.Contains(t, cmd, "--remote-debugging-port=9222")
			assert.Contains(t, cmd, "--remote-debugging-address=127.0.0.1")
			assert.Contains(t, cmd, "--headless=new")
			assert.Contains(t, cmd, "--no-first-run")
			assert.Contains(t, cmd, ">/dev/null 2>&1 & echo $!")
		}
	}
	require.GreaterOrEqual(t, mkdirAt, 0, "mkdir must run")
	require.GreaterOrEqual(t, pkillAt, 0, "pkill must run")
	require.GreaterOrEqual(t, spawnAt, 0, "spawn must run")
	assert.Less(t, mkdirAt, spawnAt)
	assert.Less(t, pkillAt, spawnAt)
}

func TestLaunchExplicitPathSkipsDetection(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: linuxWith()}
	b := newTestBrowser(t, host)

	_, err := b.Launch(context.Background(), LaunchOptions{ExecutablePath: "/opt/custom/chrome"})
	require.NoError(t, err)

	for _, cmd := range host.commands() {
		assert.NotEqual(t, "uname -s", cmd, "no detection when the path is explicit")
	}
}

func TestLaunchBrowserMissing(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: linuxWith()}
	b := newTestBrowser(t, host)

	_, err := b.Launch(context.Background(), LaunchOptions{})
	require.Error(t, err)
	assert.Equal(t, errext.KindBrowserNotFound, errext.KindOf(err))
	assert.Nil(t, b.Current())
}

func TestLaunchNoPIDCaptured(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: func(cmd string) (string, string, int) {
		if strings.Contains(cmd, "nohup") {
			return "garbage\n", "", 0
		}
		return linuxWith("/usr/bin/google-chrome")(cmd)
	}}
	b := newTestBrowser(t, host)

	_, err := b.Launch(context.Background(), LaunchOptions{})
	require.Error(t, err)
	assert.Equal(t, errext.KindBrowserLaunchFailed, errext.KindOf(err))
}

func TestLaunchSpawnFails(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: func(cmd string) (string, string, int) {
		if strings.Contains(cmd, "nohup") {
			return "", "sh: cannot execute\n", 126
		}
		return linuxWith("/usr/bin/google-chrome")(cmd)
	}}
	b := newTestBrowser(t, host)

	_, err := b.Launch(context.Background(), LaunchOptions{})
	require.Error(t, err)
	assert.Equal(t, errext.KindBrowserLaunchFailed, errext.KindOf(err))

	var execErr *errext.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 126, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "cannot execute")
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	version := `{"Browser":"Chrome/120.0.6099.71","Protocol-Version":"1.3",` +
		`"webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`

	var calls int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if r.URL.Path != "/json/version" || n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(version))
	}))
	t.Cleanup(ts.Close)

	b := New(log.NewNullLogger(), nil, Options{ReadyTimeout: 5 * time.Second, PollInterval: 10 * time.Millisecond})
	proc := &Process{PID: 1}
	require.NoError(t, b.WaitReady(context.Background(), proc, ts.URL))
	assert.Equal(t, "Chrome/120.0.6099.71", proc.Version)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", proc.DebugURL)
}

func TestWaitReadyTimeout(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	b := New(log.NewNullLogger(), nil, Options{ReadyTimeout: 200 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	err := b.WaitReady(context.Background(), &Process{PID: 1}, ts.URL)
	require.Error(t, err)
	assert.Equal(t, errext.KindBrowserLaunchTimeout, errext.KindOf(err))
}

func TestKill(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: func(cmd string) (string, string, int) {
		return "", "", 0
	}}
	b := newTestBrowser(t, host)

	require.NoError(t, b.Kill(context.Background(), 4242))

	cmds := host.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "kill 4242", cmds[0])
	assert.Equal(t, "kill -9 4242 2>/dev/null || true", cmds[1])
}

func TestKillNothingKnown(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: func(cmd string) (string, string, int) {
		return "", "", 0
	}}
	b := newTestBrowser(t, host)

	require.NoError(t, b.Kill(context.Background(), 0))
	assert.Empty(t, host.commands(), "no pid known, nothing to run")
}

func TestFindRunning(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: func(cmd string) (string, string, int) {
		if strings.HasPrefix(cmd, "ps ") {
			out := "  101 /usr/bin/google-chrome --remote-debugging-port=9222\n" +
				" 2020 /usr/bin/chromium --remote-debugging-port=9333 --headless=new\n" +
				"garbage\n"
			return out, "", 0
		}
		return "", "", 0
	}}
	b := newTestBrowser(t, host)

	infos, err := b.FindRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 101, infos[0].PID)
	assert.Contains(t, infos[0].Command, "remote-debugging-port=9222")
	assert.Equal(t, 2020, infos[1].PID)
}

func TestFindRunningNone(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: func(cmd string) (string, string, int) {
		return "", "", 1 // grep found nothing
	}}
	b := newTestBrowser(t, host)

	infos, err := b.FindRunning(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	host := &remoteHost{handler: linuxWith("/usr/bin/google-chrome")}
	b := newTestBrowser(t, host)

	_, err := b.Launch(context.Background(), LaunchOptions{})
	require.NoError(t, err)

	b.Cleanup(context.Background())
	assert.Nil(t, b.Current())

	var kills int
	for _, cmd := range host.commands() {
		if cmd == "kill 12345" {
			kills++
		}
	}
	assert.Equal(t, 1, kills)

	// A second cleanup has nothing left to do.
	before := len(host.commands())
	b.Cleanup(context.Background())
	assert.Len(t, host.commands(), before)
}
