package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/log"
)

// PoolOptions bound the pool and tune its reconnect and idle behavior.
type PoolOptions struct {
	MaxConnections    int
	IdleTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	SweepInterval     time.Duration

	Transport TransportOptions
}

const (
	defaultMaxConnections    = 10
	defaultIdleTimeout       = 5 * time.Minute
	defaultReconnectAttempts = 3
	defaultReconnectDelay    = 5 * time.Second
	defaultSweepInterval     = 30 * time.Second
)

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConnections
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	return o
}

type poolEntry struct {
	transport *Transport
	desc      config.Descriptor
	lastUsed  time.Time
	inUse     int
}

// Pool hands out shared transports keyed by connection id. Idle transports
// are disconnected in the background after IdleTimeout; Get reconnects them
// with linear backoff when they are requested again.
type Pool struct {
	ctx    context.Context
	logger *log.Logger
	fs     afero.Fs
	opts   PoolOptions

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewPool creates a pool and starts its idle sweeper. The sweeper stops when
// ctx is done.
func NewPool(ctx context.Context, logger *log.Logger, fs afero.Fs, opts PoolOptions) *Pool {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	p := &Pool{
		ctx:     ctx,
		logger:  logger,
		fs:      fs,
		opts:    opts.withDefaults(),
		entries: make(map[string]*poolEntry),
	}
	go p.sweep(ctx)
	return p
}

// Get returns a connected transport for the descriptor, creating or
// reconnecting one as needed. Callers must Release it when done so the idle
// clock can start.
func (p *Pool) Get(ctx context.Context, desc config.Descriptor) (*Transport, error) {
	p.mu.Lock()
	entry, ok := p.entries[desc.ID]
	if ok && entry.desc != desc {
		// The descriptor changed since this transport was built.
		delete(p.entries, desc.ID)
		go entry.transport.Disconnect()
		entry, ok = nil, false
	}
	if !ok {
		if len(p.entries) >= p.opts.MaxConnections {
			p.mu.Unlock()
			return nil, errext.New(errext.KindConnection,
				"connection pool limit reached (%d)", p.opts.MaxConnections)
		}
		entry = &poolEntry{
			transport: NewTransport(p.ctx, p.logger, p.fs, desc, p.opts.Transport),
			desc:      desc,
		}
		p.entries[desc.ID] = entry
	}
	entry.inUse++
	entry.lastUsed = time.Now()
	transport := entry.transport
	p.mu.Unlock()

	if err := p.connectWithRetry(ctx, transport); err != nil {
		p.discardFailed(desc.ID, transport)
		return nil, err
	}
	return transport, nil
}

// discardFailed releases one use and drops the entry when nobody else holds
// it and the transport never came up. Dead entries must not count against
// MaxConnections.
func (p *Pool) discardFailed(id string, t *Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok || entry.transport != t {
		return
	}
	if entry.inUse > 0 {
		entry.inUse--
	}
	if entry.inUse == 0 && !t.IsConnected() {
		delete(p.entries, id)
	}
}

// connectWithRetry dials up to ReconnectAttempts times with linear backoff
// between attempts.
func (p *Pool) connectWithRetry(ctx context.Context, t *Transport) error {
	var err error
	for attempt := 1; attempt <= p.opts.ReconnectAttempts; attempt++ {
		if err = t.Connect(ctx); err == nil {
			return nil
		}
		// Auth problems won't fix themselves; retrying only locks accounts.
		if kind := errext.KindOf(err); kind == errext.KindAuth || kind == errext.KindAuthEncryptedKey ||
			kind == errext.KindValidation {
			return err
		}
		if attempt == p.opts.ReconnectAttempts {
			break
		}
		delay := time.Duration(attempt) * p.opts.ReconnectDelay
		p.logger.Warnf("Pool:reconnect", "connect to %s failed (attempt %d/%d), retrying in %s: %s",
			t.Addr(), attempt, p.opts.ReconnectAttempts, delay, err)
		select {
		case <-ctx.Done():
			return errext.WithKindIfNone(ctx.Err(), errext.KindConnection)
		case <-time.After(delay):
		}
	}
	return err
}

// Release marks one use of the transport as finished.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return
	}
	if entry.inUse > 0 {
		entry.inUse--
	}
	entry.lastUsed = time.Now()
}

// Size returns the number of pooled transports.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disconnects and drops every pooled transport.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.transport.Disconnect()
	}
}

// sweep disconnects transports that have sat idle past IdleTimeout.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var idle []*poolEntry
		p.mu.Lock()
		for id, e := range p.entries {
			if e.inUse == 0 && time.Since(e.lastUsed) >= p.opts.IdleTimeout {
				delete(p.entries, id)
				idle = append(idle, e)
			}
		}
		p.mu.Unlock()

		for _, e := range idle {
			p.logger.Infof("Pool:sweep", "disconnecting idle transport to %s", e.transport.Addr())
			e.transport.Disconnect()
		}
	}
}
