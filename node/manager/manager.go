// Package manager drives the node's registry membership: joining, leaving,
// pausing and resuming through the relay, and mirroring the remote status into
// the local state cache.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gpunode/chain/contracts"
	"gpunode/config"
	"gpunode/modelcache"
	"gpunode/models"
	"gpunode/node/statecache"
	"gpunode/observability"
	"gpunode/observability/logging"
	"gpunode/relay"
)

const (
	defaultWaitInterval = time.Second
	// txErrorRecordTimeout bounds the shielded write of a failed transaction.
	txErrorRecordTimeout = 5 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithStakingAmount supplies the stake, in wei, required to join.
func WithStakingAmount(fn func() *big.Int) Option {
	return func(m *Manager) {
		if fn != nil {
			m.stakingAmount = fn
		}
	}
}

// WithWaitInterval sets the poll interval used while waiting for the remote
// status to converge.
func WithWaitInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.waitInterval = d
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.NodeMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer overrides the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// Manager is the node state manager.
type Manager struct {
	cache  *statecache.ManagerStateCache
	models modelcache.DownloadModelCache
	relay  relay.Relay

	logger        *slog.Logger
	metrics       *observability.NodeMetrics
	tracer        trace.Tracer
	stakingAmount func() *big.Int
	waitInterval  time.Duration

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// New constructs a manager over the given collaborators.
func New(cache *statecache.ManagerStateCache, downloaded modelcache.DownloadModelCache, r relay.Relay, opts ...Option) *Manager {
	m := &Manager{
		cache:        cache,
		models:       downloaded,
		relay:        r,
		logger:       logging.Component(nil, "node_manager"),
		metrics:      observability.Node(),
		tracer:       otel.Tracer("gpunode/node/manager"),
		waitInterval: defaultWaitInterval,
		stakingAmount: func() *big.Int {
			return contracts.EtherToWei(config.DefaultStakingAmount)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Cache exposes the state cache the manager writes to.
func (m *Manager) Cache() *statecache.ManagerStateCache { return m.cache }

// Waiter is the second phase of a lifecycle operation. Wait may be called
// any time after the operation returned.
type Waiter struct {
	m  *Manager
	op string
	fn func(ctx context.Context) error
}

// Wait blocks until the remote status has converged or ctx ends.
func (w *Waiter) Wait(ctx context.Context) error {
	op := w.op + "_wait"
	ctx, span := w.m.tracer.Start(ctx, "node."+op)
	defer span.End()
	err := w.m.translate(ctx, op, w.fn(ctx))
	w.m.finishSpan(ctx, span, op, err)
	return err
}

// Start joins the network. The node must be stopped with no transaction in
// flight, and the account balance must cover the configured stake.
func (m *Manager) Start(ctx context.Context, gpuName string, gpuVram uint64, version []int) (*Waiter, error) {
	ctx, span := m.tracer.Start(ctx, "node.start", trace.WithAttributes(
		attribute.String("gpu.name", gpuName),
		attribute.Int64("gpu.vram", int64(gpuVram)),
	))
	defer span.End()
	err := m.translate(ctx, "start", func() error {
		if err := m.checkPreconditions(ctx, "start", models.NodeStatusStopped); err != nil {
			return err
		}
		if err := m.join(ctx, gpuName, gpuVram, version); err != nil {
			return err
		}
		return m.cache.SetTxStatus(ctx, models.TxStatusPending, "")
	}())
	m.finishSpan(ctx, span, "start", err)
	if err != nil {
		return nil, err
	}
	return &Waiter{m: m, op: "start", fn: m.waitForRunning}, nil
}

// Stop leaves the network. The node must be running.
func (m *Manager) Stop(ctx context.Context) (*Waiter, error) {
	return m.transition(ctx, "stop", models.NodeStatusRunning, m.relay.NodeQuit, m.waitForStop)
}

// Pause temporarily withdraws the node from scheduling.
func (m *Manager) Pause(ctx context.Context) (*Waiter, error) {
	return m.transition(ctx, "pause", models.NodeStatusRunning, m.relay.NodePause, m.waitForPause)
}

// Resume brings a paused node back.
func (m *Manager) Resume(ctx context.Context) (*Waiter, error) {
	return m.transition(ctx, "resume", models.NodeStatusPaused, m.relay.NodeResume, m.waitForResumed)
}

func (m *Manager) transition(ctx context.Context, op string, required models.NodeStatus, call func(context.Context) error, wait func(context.Context) error) (*Waiter, error) {
	ctx, span := m.tracer.Start(ctx, "node."+op)
	defer span.End()
	err := m.translate(ctx, op, func() error {
		if err := m.checkPreconditions(ctx, op, required); err != nil {
			return err
		}
		if err := call(ctx); err != nil {
			return err
		}
		return m.cache.SetTxStatus(ctx, models.TxStatusPending, "")
	}())
	m.finishSpan(ctx, span, op, err)
	if err != nil {
		return nil, err
	}
	return &Waiter{m: m, op: op, fn: wait}, nil
}

// TryStart makes sure the node is a member of the network, joining or
// resuming as needed and waiting for the result. A node that already is a
// member only has its cached status refreshed.
func (m *Manager) TryStart(ctx context.Context, gpuName string, gpuVram uint64, version []int) error {
	ctx, span := m.tracer.Start(ctx, "node.try_start")
	defer span.End()
	m.logger.Info("trying to join the network automatically")
	err := m.translate(ctx, "try_start", m.tryStart(ctx, gpuName, gpuVram, version))
	m.finishSpan(ctx, span, "try_start", err)
	return err
}

func (m *Manager) tryStart(ctx context.Context, gpuName string, gpuVram uint64, version []int) error {
	info, err := m.relay.NodeGetNodeInfo(ctx)
	if err != nil {
		return err
	}
	switch info.Status {
	case models.ChainNodeAvailable, models.ChainNodeBusy, models.ChainNodePendingPause, models.ChainNodePendingQuit:
		status, err := models.ConvertNodeStatus(info.Status)
		if err != nil {
			return err
		}
		m.logger.Info("node has already joined the network", "node_status", string(status))
		return m.setNodeStatus(ctx, status)
	case models.ChainNodeQuit:
		if err := m.join(ctx, gpuName, gpuVram, version); err != nil {
			return err
		}
	case models.ChainNodePaused:
		if err := m.relay.NodeResume(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %d", models.ErrUnknownChainNodeStatus, uint8(info.Status))
	}
	if err := m.cache.SetTxStatus(ctx, models.TxStatusPending, ""); err != nil {
		return err
	}
	if err := m.waitForRunning(ctx); err != nil {
		return err
	}
	m.logger.Info("node joined the network")
	return nil
}

// TryStop leaves the network if the node is available, waiting until the
// registry reports it stopped. Other statuses are left alone.
func (m *Manager) TryStop(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "node.try_stop")
	defer span.End()
	err := m.translate(ctx, "try_stop", m.tryStop(ctx))
	m.finishSpan(ctx, span, "try_stop", err)
	return err
}

func (m *Manager) tryStop(ctx context.Context) error {
	info, err := m.relay.NodeGetNodeInfo(ctx)
	if err != nil {
		return err
	}
	switch info.Status {
	case models.ChainNodeAvailable:
		if err := m.relay.NodeQuit(ctx); err != nil {
			return err
		}
		if err := m.cache.SetTxStatus(ctx, models.TxStatusPending, ""); err != nil {
			return err
		}
		if err := m.waitForStop(ctx); err != nil {
			return err
		}
		if err := m.cache.SetTxStatus(ctx, models.TxStatusSuccess, ""); err != nil {
			return err
		}
		m.logger.Info("node left the network")
	case models.ChainNodeQuit:
		m.logger.Info("node has already left the network")
	default:
		status, err := models.ConvertNodeStatus(info.Status)
		if err != nil {
			return err
		}
		m.logger.Info("cannot leave the network automatically", "node_status", string(status))
	}
	return nil
}

func (m *Manager) checkPreconditions(ctx context.Context, op string, required models.NodeStatus) error {
	node, err := m.cache.GetNodeState(ctx)
	if err != nil {
		return err
	}
	tx, err := m.cache.GetTxState(ctx)
	if err != nil {
		return err
	}
	if node.Status != required {
		return &PreconditionError{Op: op, Reason: fmt.Sprintf("node is %s, not %s", node.Status, required)}
	}
	if tx.Status == models.TxStatusPending {
		return &PreconditionError{Op: op, Reason: "last transaction is pending"}
	}
	return nil
}

func (m *Manager) join(ctx context.Context, gpuName string, gpuVram uint64, version []int) error {
	staking := m.stakingAmount()
	balance, err := m.relay.GetBalance(ctx, m.relay.NodeAddress())
	if err != nil {
		return err
	}
	if balance == nil || balance.Cmp(staking) < 0 {
		return ErrInsufficientBalance
	}
	modelIDs, err := modelcache.ModelIDs(ctx, m.models)
	if err != nil {
		return fmt.Errorf("manager: load downloaded models: %w", err)
	}
	return m.relay.NodeJoin(ctx, gpuName, gpuVram, modelIDs, models.FormatVersion(version), staking)
}

func (m *Manager) remoteStatus(ctx context.Context) (models.NodeStatus, error) {
	info, err := m.relay.NodeGetNodeInfo(ctx)
	if err != nil {
		return "", err
	}
	return models.ConvertNodeStatus(info.Status)
}

// waitForRunning polls until the registry reports the node running. Stopped
// and paused are treated as not converged yet; anything else breaks the
// invariant.
func (m *Manager) waitForRunning(ctx context.Context) error {
	for {
		status, err := m.remoteStatus(ctx)
		if err != nil {
			return err
		}
		switch status {
		case models.NodeStatusRunning:
			if err := m.setNodeStatus(ctx, status); err != nil {
				return err
			}
			return m.cache.SetTxStatus(ctx, models.TxStatusSuccess, "")
		case models.NodeStatusStopped, models.NodeStatusPaused:
		default:
			return &InvariantError{Op: "wait running", Status: status, Expected: []models.NodeStatus{models.NodeStatusRunning}}
		}
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) waitForResumed(ctx context.Context) error { return m.waitForRunning(ctx) }

func (m *Manager) waitForStop(ctx context.Context) error {
	return m.waitForTerminal(ctx, "wait stop", models.NodeStatusStopped, models.NodeStatusPendingStop)
}

func (m *Manager) waitForPause(ctx context.Context) error {
	return m.waitForTerminal(ctx, "wait pause", models.NodeStatusPaused, models.NodeStatusPendingPause)
}

// waitForTerminal accepts terminal or pending, marking the transaction
// successful on the first accepted observation, and keeps polling until
// terminal is reached.
func (m *Manager) waitForTerminal(ctx context.Context, op string, terminal, pending models.NodeStatus) error {
	accepted := false
	for {
		status, err := m.remoteStatus(ctx)
		if err != nil {
			return err
		}
		if status != terminal && status != pending {
			return &InvariantError{Op: op, Status: status, Expected: []models.NodeStatus{terminal, pending}}
		}
		if err := m.setNodeStatus(ctx, status); err != nil {
			return err
		}
		if !accepted {
			if err := m.cache.SetTxStatus(ctx, models.TxStatusSuccess, ""); err != nil {
				return err
			}
			accepted = true
		}
		if status == terminal {
			return nil
		}
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) setNodeStatus(ctx context.Context, status models.NodeStatus) error {
	if err := m.cache.SetNodeStatus(ctx, status); err != nil {
		return err
	}
	m.metrics.SetStatus(string(status))
	return nil
}

func (m *Manager) sleep(ctx context.Context) error {
	timer := time.NewTimer(m.waitInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// translate classifies the outcome of a lifecycle operation. Known failure
// classes are written to the transaction state under a shielded deadline and
// returned; cancellation and unexpected errors are returned untouched.
func (m *Manager) translate(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cancelled(ctx, err) {
		return err
	}
	if !isRecorded(err) {
		m.logger.Error("unexpected tx error", "op", op, "error", err)
		return err
	}
	m.logger.Error("tx error", "op", op, "error", err)
	shielded, cancel := context.WithTimeout(context.WithoutCancel(ctx), txErrorRecordTimeout)
	defer cancel()
	if recordErr := m.cache.SetTxStatus(shielded, models.TxStatusError, err.Error()); recordErr != nil {
		m.logger.Warn("record tx error failed", "op", op, "error", recordErr)
	}
	return err
}

func (m *Manager) finishSpan(ctx context.Context, span trace.Span, op string, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		m.metrics.ObserveTransition(op, "ok")
	case cancelled(ctx, err):
		span.SetStatus(codes.Error, "cancelled")
		m.metrics.ObserveTransition(op, "cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.ObserveTransition(op, "error")
	}
}

// StartSync mirrors the remote status into the cache every interval until
// StopSync is called or ctx ends. It blocks for the lifetime of the loop and
// returns nil once stopped. Remote errors are logged and the loop carries on.
func (m *Manager) StartSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("manager: sync interval must be positive")
	}
	m.syncMu.Lock()
	if m.syncCancel != nil {
		m.syncMu.Unlock()
		return ErrSyncRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.syncCancel = cancel
	m.syncDone = done
	m.syncMu.Unlock()

	defer func() {
		cancel()
		m.syncMu.Lock()
		m.syncCancel = nil
		m.syncDone = nil
		m.syncMu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if err := m.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.metrics.ObserveSync("error")
			m.logger.Warn("node status sync failed", "error", err)
		} else {
			m.metrics.ObserveSync("ok")
		}
		timer.Reset(interval)
	}
}

// StopSync cancels a running sync loop and waits for it to exit. It is a
// no-op when no loop is running.
func (m *Manager) StopSync() {
	m.syncMu.Lock()
	cancel, done := m.syncCancel, m.syncDone
	m.syncMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Syncing reports whether a sync loop is running.
func (m *Manager) Syncing() bool {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return m.syncCancel != nil
}

func (m *Manager) syncOnce(ctx context.Context) error {
	info, err := m.relay.NodeGetNodeInfo(ctx)
	if err != nil {
		return err
	}
	status, err := models.ConvertNodeStatus(info.Status)
	if err != nil {
		return err
	}
	current, err := m.cache.GetNodeState(ctx)
	if err != nil {
		return err
	}
	var errs []error
	if current.Status != status {
		m.logger.Info("node status changed", "from", string(current.Status), "node_status", string(status))
		if err := m.setNodeStatus(ctx, status); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.cache.SetNodeScoreState(ctx, info.ScoreState()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
