package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/lib/testutils/sshserver"
	"github.com/perimetric/periscope/log"
)

func newTestPool(t *testing.T, opts PoolOptions) (*Pool, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p := NewPool(ctx, log.NewNullLogger(), afero.NewOsFs(), opts)
	t.Cleanup(p.Close)
	return p, ctx
}

func TestPoolGetReuses(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{})
	desc := passwordDescriptor(srv)

	tr1, err := p.Get(ctx, desc)
	require.NoError(t, err)
	assert.True(t, tr1.IsConnected())

	tr2, err := p.Get(ctx, desc)
	require.NoError(t, err)
	assert.Same(t, tr1, tr2)
	assert.Equal(t, 1, p.Size())
}

func TestPoolSweepsIdle(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 25 * time.Millisecond,
	})
	desc := passwordDescriptor(srv)

	tr, err := p.Get(ctx, desc)
	require.NoError(t, err)
	p.Release(desc.ID)

	require.Eventually(t, func() bool { return p.Size() == 0 }, 5*time.Second, 10*time.Millisecond,
		"idle transport should be swept")
	assert.False(t, tr.IsConnected())
}

func TestPoolInUseNotSwept(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{
		IdleTimeout:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	desc := passwordDescriptor(srv)

	tr, err := p.Get(ctx, desc)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.Size(), "a transport that was never released must not be swept")
	assert.True(t, tr.IsConnected())
}

func TestPoolLimit(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{MaxConnections: 1})

	_, err := p.Get(ctx, passwordDescriptor(srv))
	require.NoError(t, err)

	other := passwordDescriptor(srv)
	other.ID = "other"
	_, err = p.Get(ctx, other)
	require.Error(t, err)
	assert.Equal(t, errext.KindConnection, errext.KindOf(err))
	assert.Contains(t, err.Error(), "pool limit")
}

func TestPoolAuthFailureNotRetried(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
	})

	desc := passwordDescriptor(srv)
	desc.Password = "wrong"

	start := time.Now()
	_, err := p.Get(ctx, desc)
	require.Error(t, err)
	assert.Equal(t, errext.KindAuth, errext.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second, "auth failures must not be retried")
}

func TestPoolConnectRetries(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	desc := passwordDescriptor(srv)
	srv.Close()

	p, ctx := newTestPool(t, PoolOptions{
		ReconnectAttempts: 2,
		ReconnectDelay:    20 * time.Millisecond,
		Transport:         TransportOptions{ConnectTimeout: time.Second},
	})

	start := time.Now()
	_, err := p.Get(ctx, desc)
	require.Error(t, err)
	assert.Equal(t, errext.KindConnection, errext.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "one backoff delay between the two attempts")
	assert.Equal(t, 0, p.Size(), "failed entries are released")
}

func TestPoolDescriptorChangeRebuilds(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{})

	desc := passwordDescriptor(srv)
	tr1, err := p.Get(ctx, desc)
	require.NoError(t, err)

	desc.Name = "renamed"
	tr2, err := p.Get(ctx, desc)
	require.NoError(t, err)
	assert.NotSame(t, tr1, tr2, "a changed descriptor gets a fresh transport")
	assert.Equal(t, 1, p.Size())
}

func TestPoolReconnectsDropped(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{})
	desc := passwordDescriptor(srv)

	tr, err := p.Get(ctx, desc)
	require.NoError(t, err)

	tr.Disconnect()
	require.False(t, tr.IsConnected())

	again, err := p.Get(ctx, desc)
	require.NoError(t, err)
	assert.Same(t, tr, again)
	assert.True(t, again.IsConnected())
}

func TestPoolClose(t *testing.T) {
	t.Parallel()

	srv := sshserver.New(t)
	p, ctx := newTestPool(t, PoolOptions{})

	tr, err := p.Get(ctx, passwordDescriptor(srv))
	require.NoError(t, err)

	p.Close()
	assert.Equal(t, 0, p.Size())
	assert.False(t, tr.IsConnected())
}
