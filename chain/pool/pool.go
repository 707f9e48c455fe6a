// Package pool maintains a bounded set of rate limited RPC connections to one
// chain endpoint and serialises nonce allocation for the signing account.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"

	"gpunode/crypto"
	"gpunode/observability"
	"gpunode/observability/logging"
)

// TeardownGrace is the default bound on how long closing a single connection
// may take. The window applies even when the caller's context has already
// expired.
const TeardownGrace = 5 * time.Second

// Mode is the way the pool obtains connections.
type Mode uint8

const (
	ModeHTTP Mode = iota
	ModeWS
	// ModeInjected wraps one externally owned backend; the pool never
	// closes it and capacity is fixed at 1.
	ModeInjected
)

func (m Mode) String() string {
	switch m {
	case ModeHTTP:
		return "http"
	case ModeWS:
		return "ws"
	default:
		return "injected"
	}
}

// Config describes the endpoint and the limits applied to each connection.
type Config struct {
	Name     string
	Endpoint string
	Size     int
	Timeout  time.Duration
	RPS      float64
}

// DialFunc opens a connection. The returned teardown releases transport
// resources and is called exactly once when the guard closes.
type DialFunc func(ctx context.Context) (backend Backend, teardown func(), err error)

// Option customises a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for guard lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logging.Component(logger, "pool")
		}
	}
}

// WithDialer replaces the transport construction for the endpoint's mode.
func WithDialer(dial DialFunc) Option {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithTeardownGrace overrides how long a connection teardown may run before
// the pool moves on without it.
func WithTeardownGrace(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.teardownGrace = d
		}
	}
}

// WithMetrics overrides the metrics registry. A nil registry disables metrics.
func WithMetrics(metrics *observability.PoolMetrics) Option {
	return func(p *Pool) { p.metrics = metrics }
}

type entry struct {
	backend  Backend
	teardown func()
	state    GuardState
	// lease identifies the current handout; stale handles carry an older one.
	lease uint64
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Capacity int
	Live     int
	Idle     int
	InUse    int
	Waiting  int
}

// Pool hands out guards over connections to a single endpoint.
type Pool struct {
	name     string
	mode     Mode
	capacity int
	rps      float64
	timeout  time.Duration
	key      *crypto.PrivateKey
	account  common.Address
	dial     DialFunc
	logger   *slog.Logger
	metrics  *observability.PoolMetrics

	teardownGrace time.Duration

	mu           sync.Mutex
	closed       bool
	nextID       uint64
	nextLease    uint64
	constructing int
	guards       map[uint64]*entry
	idle         []uint64
	waiters      []chan struct{}

	nonceSem   chan struct{}
	nonce      uint64
	nonceKnown bool
}

// New builds a pool for cfg.Endpoint. The scheme selects the mode: http(s)
// endpoints get one HTTP client per connection, ws(s) endpoints one
// websocket per connection.
func New(key *crypto.PrivateKey, cfg Config, opts ...Option) (*Pool, error) {
	if key == nil {
		return nil, crypto.ErrEmptyPrivateKey
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	var mode Mode
	switch {
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		mode = ModeHTTP
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		mode = ModeWS
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, endpoint)
	}
	p := newPool(key, mode, cfg, opts...)
	if p.dial == nil {
		p.dial = endpointDialer(mode, endpoint, cfg.Timeout)
	}
	return p, nil
}

// NewInjected wraps an externally owned backend. The pool degenerates to a
// single slot; a different requested size is ignored with a warning.
func NewInjected(key *crypto.PrivateKey, backend Backend, cfg Config, opts ...Option) (*Pool, error) {
	if key == nil {
		return nil, crypto.ErrEmptyPrivateKey
	}
	if backend == nil {
		return nil, fmt.Errorf("pool: injected backend is nil")
	}
	requested := cfg.Size
	cfg.Size = 1
	p := newPool(key, ModeInjected, cfg, opts...)
	if requested > 1 {
		p.logger.Warn("pool size forced to 1 for an injected backend", "requested", requested)
	}
	p.dial = func(context.Context) (Backend, func(), error) {
		return backend, func() {}, nil
	}
	return p, nil
}

func newPool(key *crypto.PrivateKey, mode Mode, cfg Config, opts ...Option) *Pool {
	capacity := cfg.Size
	if capacity < 1 {
		capacity = 1
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	p := &Pool{
		name:      name,
		mode:      mode,
		capacity:  capacity,
		rps:       cfg.RPS,
		timeout:   cfg.Timeout,
		key:       key,
		account:   key.Address(),
		logger:    logging.Component(nil, "pool"),
		metrics:   observability.Pool(),
		nextID:    1,
		nextLease: 1,
		guards:    make(map[uint64]*entry),
		nonceSem:  make(chan struct{}, 1),

		teardownGrace: TeardownGrace,
	}
	for _, opt := range opts {
		opt(p)
	}
	if mode == ModeInjected {
		p.dial = nil
	}
	return p
}

func endpointDialer(mode Mode, endpoint string, timeout time.Duration) DialFunc {
	return func(ctx context.Context) (Backend, func(), error) {
		var option rpc.ClientOption
		var transport *http.Transport
		switch mode {
		case ModeWS:
			option = rpc.WithWebsocketDialer(websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: timeout,
			})
		default:
			transport = http.DefaultTransport.(*http.Transport).Clone()
			option = rpc.WithHTTPClient(&http.Client{Transport: transport, Timeout: timeout})
		}
		client, err := rpc.DialOptions(ctx, endpoint, option)
		if err != nil {
			return nil, nil, err
		}
		backend := ethclient.NewClient(client)
		return backend, func() {
			backend.Close()
			if transport != nil {
				transport.CloseIdleConnections()
			}
		}, nil
	}
}

// Account returns the address derived from the signing key.
func (p *Pool) Account() common.Address { return p.account }

// PrivateKey returns the signing key.
func (p *Pool) PrivateKey() *crypto.PrivateKey { return p.key }

// Mode reports how the pool obtains connections.
func (p *Pool) Mode() Mode { return p.mode }

// Capacity is the maximum number of live guards.
func (p *Pool) Capacity() int { return p.capacity }

// Acquire returns an idle guard, or a new one while under capacity, or
// blocks until a guard is released or closed. It fails with ErrPoolClosed
// when the pool is or becomes closed, and with ctx.Err() on cancellation.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if len(p.idle) > 0 {
			id := p.idle[0]
			p.idle = p.idle[1:]
			e := p.guards[id]
			e.state = GuardInUse
			e.lease = p.nextLease
			p.nextLease++
			p.mu.Unlock()
			p.logger.Debug("guard reused", "guard_id", id)
			p.observe()
			return &Guard{id: id, lease: e.lease, pool: p, backend: guardBackend{e.backend}}, nil
		}
		if len(p.guards)+p.constructing < p.capacity {
			id := p.nextID
			p.nextID++
			p.constructing++
			p.mu.Unlock()
			return p.construct(ctx, id)
		}
		wake := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()
		p.observe()

		select {
		case <-wake:
		case <-ctx.Done():
			p.mu.Lock()
			if !p.removeWaiterLocked(wake) {
				// The wakeup was already delivered to us; hand it on.
				p.wakeOneLocked()
			}
			p.mu.Unlock()
			p.observe()
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) construct(ctx context.Context, id uint64) (*Guard, error) {
	backend, teardown, err := p.dial(ctx)

	p.mu.Lock()
	p.constructing--
	if err != nil {
		p.wakeOneLocked()
		p.mu.Unlock()
		p.metrics.GuardEvent(p.name, "open_error")
		return nil, fmt.Errorf("pool: open connection: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		p.runTeardown(teardown)
		return nil, ErrPoolClosed
	}
	limited := newLimitedBackend(backend, p.rps, p.timeout)
	lease := p.nextLease
	p.nextLease++
	p.guards[id] = &entry{backend: limited, teardown: teardown, state: GuardInUse, lease: lease}
	p.mu.Unlock()

	p.logger.Debug("guard opened", "guard_id", id, "mode", p.mode.String())
	p.metrics.GuardEvent(p.name, "open")
	p.observe()
	return &Guard{id: id, lease: lease, pool: p, backend: guardBackend{limited}}, nil
}

// owns reports whether lease is the current handout of e.
func (e *entry) owns(lease uint64) bool {
	return e.state == GuardInUse && e.lease == lease
}

func (p *Pool) release(id, lease uint64) {
	p.mu.Lock()
	e, ok := p.guards[id]
	if !ok || !e.owns(lease) {
		p.mu.Unlock()
		return
	}
	e.state = GuardIdle
	p.idle = append(p.idle, id)
	p.wakeOneLocked()
	p.mu.Unlock()
	p.logger.Debug("guard idle", "guard_id", id)
	p.observe()
}

// closeGuard tears down guard id. A zero lease is used by the pool itself and
// closes the guard whoever holds it.
func (p *Pool) closeGuard(id, lease uint64) {
	p.mu.Lock()
	e, ok := p.guards[id]
	if !ok || (lease != 0 && !e.owns(lease)) {
		p.mu.Unlock()
		return
	}
	delete(p.guards, id)
	for i, idleID := range p.idle {
		if idleID == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	e.state = GuardClosed
	// The freed slot lets a waiter construct a replacement.
	p.wakeOneLocked()
	p.mu.Unlock()

	if !p.runTeardown(e.teardown) {
		p.logger.Warn("guard teardown exceeded grace window", "guard_id", id)
	}
	p.logger.Debug("guard closed", "guard_id", id)
	p.metrics.GuardEvent(p.name, "close")
	p.observe()
}

func (p *Pool) guardState(id uint64) GuardState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.guards[id]; ok {
		return e.state
	}
	return GuardClosed
}

// runTeardown runs fn with the teardown grace window. It reports false when
// fn is still running after the window.
func (p *Pool) runTeardown(fn func()) bool {
	if fn == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(p.teardownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- struct{}{}
}

func (p *Pool) removeWaiterLocked(w chan struct{}) bool {
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Do runs fn with a guard. The guard is released afterwards, or closed when
// fn fails with a transport-fatal error or panics.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, backend Backend) error) (err error) {
	guard, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	panicked := true
	defer func() {
		if panicked {
			guard.Close()
			return
		}
		guard.Done(err)
	}()
	err = fn(ctx, guard.Backend())
	panicked = false
	return err
}

// Close closes every live guard and fails all current and future
// acquisitions with ErrPoolClosed. It is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]uint64, 0, len(p.guards))
	for id := range p.guards {
		ids = append(ids, id)
	}
	for len(p.waiters) > 0 {
		p.wakeOneLocked()
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			p.closeGuard(id, 0)
		}(id)
	}
	wg.Wait()
	p.logger.Debug("pool closed", "guards", len(ids))
	return nil
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Capacity: p.capacity, Live: len(p.guards), Idle: len(p.idle), Waiting: len(p.waiters)}
	s.InUse = s.Live - s.Idle
	return s
}

func (p *Pool) observe() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.ObserveOccupancy(p.name, s.Capacity, s.Live, s.Idle, s.InUse, s.Waiting)
}
