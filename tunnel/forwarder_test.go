package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/lib/testutils/sshserver"
	"github.com/perimetric/periscope/log"
)

func connectedForwarder(t *testing.T, srv *sshserver.Server) (*Forwarder, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := NewTransport(ctx, log.NewNullLogger(), afero.NewOsFs(), passwordDescriptor(srv), TransportOptions{})
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(tr.Disconnect)

	fwd := NewForwarder(ctx, log.NewNullLogger(), tr)
	t.Cleanup(fwd.StopAll)
	return fwd, ctx
}

func backendPort(t *testing.T) int {
	t.Helper()
	backend := httptest.NewServer(httpbin.New().Handler())
	t.Cleanup(backend.Close)
	return backend.Listener.Addr().(*net.TCPAddr).Port
}

// echoBackend accepts TCP connections and echoes everything back.
func echoBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestForwarderLocalFlow(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	fwd, _ := connectedForwarder(t, srv)

	rule, err := fwd.StartLocal("127.0.0.1", 0, "127.0.0.1", backendPort(t))
	require.NoError(t, err)
	assert.NotZero(t, rule.LocalPort, "port 0 should be resolved to the bound port")
	assert.Equal(t, ForwardActive, rule.State)
	assert.False(t, rule.Remote)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/get", rule.LocalPort))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"url"`)
}

func TestForwarderList(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	fwd, _ := connectedForwarder(t, srv)
	port := backendPort(t)

	rule1, err := fwd.StartLocal("127.0.0.1", 0, "127.0.0.1", port)
	require.NoError(t, err)
	rule2, err := fwd.StartLocal("127.0.0.1", 0, "127.0.0.1", port)
	require.NoError(t, err)
	require.NotEqual(t, rule1.ID, rule2.ID)

	assert.Len(t, fwd.List(), 2)

	fwd.Stop(rule1.ID)
	rules := fwd.List()
	require.Len(t, rules, 1)
	assert.Equal(t, rule2.ID, rules[0].ID)
}

func TestForwarderStopDestroysConns(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	fwd, _ := connectedForwarder(t, srv)

	rule, err := fwd.StartLocal("127.0.0.1", 0, "127.0.0.1", echoBackend(t))
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", rule.LocalPort))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	rules := fwd.List()
	require.Len(t, rules, 1)
	assert.Equal(t, 1, rules[0].ActiveConns)

	fwd.Stop(rule.ID)
	assert.Empty(t, fwd.List())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	assert.Error(t, err, "the forwarded socket should be gone after Stop")

	// Stopping again, or stopping an unknown rule, does nothing.
	fwd.Stop(rule.ID)
	fwd.Stop("no-such-rule")
}

func TestForwarderChannelOpenRejected(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	srv.SetDenyDirectTCPIP(true)
	fwd, ctx := connectedForwarder(t, srv)

	rule, err := fwd.StartLocal("127.0.0.1", 0, "127.0.0.1", 1)
	require.NoError(t, err)

	errCh := make(chan events.Event, 1)
	fwd.On(ctx, []string{EventForwardError}, errCh)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", rule.LocalPort))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case ev := <-errCh:
		detail := ev.Data.(ForwardErrorDetail)
		assert.Equal(t, rule.ID, detail.RuleID)
		assert.NotEmpty(t, detail.Detail)
	case <-time.After(5 * time.Second):
		t.Fatal("no forward error event after a rejected channel open")
	}

	// The listener survives a refused channel.
	conn2, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", rule.LocalPort))
	require.NoError(t, err)
	_ = conn2.Close()

	rules := fwd.List()
	require.Len(t, rules, 1)
	assert.Equal(t, ForwardActive, rules[0].State)
}

func TestForwarderStartLocalNotConnected(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := NewTransport(ctx, log.NewNullLogger(), afero.NewOsFs(), passwordDescriptor(srv), TransportOptions{})
	fwd := NewForwarder(ctx, log.NewNullLogger(), tr)

	_, err := fwd.StartLocal("127.0.0.1", 0, "127.0.0.1", 9222)
	require.Error(t, err)
	assert.Equal(t, errext.KindTransportNotConnected, errext.KindOf(err))
}

func TestForwarderStartLocalPortTaken(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	fwd, _ := connectedForwarder(t, srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	taken := ln.Addr().(*net.TCPAddr).Port

	_, err = fwd.StartLocal("127.0.0.1", taken, "127.0.0.1", 9222)
	require.Error(t, err)
	assert.Equal(t, errext.KindPortForward, errext.KindOf(err))
}

func TestForwarderRemote(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	fwd, _ := connectedForwarder(t, srv)

	rule, err := fwd.StartRemote("127.0.0.1", 0, "127.0.0.1", backendPort(t))
	require.NoError(t, err)
	assert.True(t, rule.Remote)
	assert.NotZero(t, rule.RemotePort, "the server assigns a port when asked for 0")
	assert.Equal(t, ForwardActive, rule.State)

	fwd.Stop(rule.ID)
	assert.Empty(t, fwd.List())
}

func TestForwarderStopAll(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	fwd, _ := connectedForwarder(t, srv)
	port := backendPort(t)

	for i := 0; i < 3; i++ {
		_, err := fwd.StartLocal("127.0.0.1", 0, "127.0.0.1", port)
		require.NoError(t, err)
	}
	require.Len(t, fwd.List(), 3)

	fwd.StopAll()
	assert.Empty(t, fwd.List())
}
