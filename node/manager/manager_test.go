package manager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"gpunode/chain/contracts"
	"gpunode/crypto"
	"gpunode/modelcache"
	"gpunode/models"
	"gpunode/node/statecache"
	"gpunode/relay"
)

type joinCall struct {
	gpuName  string
	gpuVram  uint64
	modelIDs []string
	version  string
	staking  *big.Int
}

// fakeRelay replays a scripted sequence of node statuses. Once the script is
// exhausted the last status repeats.
type fakeRelay struct {
	mu       sync.Mutex
	statuses []models.ChainNodeStatus
	infoErr  error
	balance  *big.Int
	joinErr  error
	calls    []string
	joins    []joinCall
	fetched  chan struct{}
	scores   []models.NodeScoreState
}

func newFakeRelay(statuses ...models.ChainNodeStatus) *fakeRelay {
	return &fakeRelay{
		statuses: statuses,
		balance:  contracts.EtherToWei(1000),
		fetched:  make(chan struct{}, 64),
	}
}

func (r *fakeRelay) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRelay) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRelay) NodeAddress() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (r *fakeRelay) NodeGetNodeInfo(ctx context.Context) (models.NodeInfo, error) {
	r.record("info")
	defer func() {
		select {
		case r.fetched <- struct{}{}:
		default:
		}
	}()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.infoErr != nil {
		return models.NodeInfo{}, r.infoErr
	}
	status := r.statuses[0]
	if len(r.statuses) > 1 {
		r.statuses = r.statuses[1:]
	}
	score := float64(len(r.calls))
	info := models.NodeInfo{Status: status, QOSScore: score, StakingScore: score / 2, ProbWeight: score / 4}
	r.scores = append(r.scores, info.ScoreState())
	return info, nil
}

func (r *fakeRelay) NodeGetNodeStatus(ctx context.Context) (models.ChainNodeStatus, error) {
	info, err := r.NodeGetNodeInfo(ctx)
	return info.Status, err
}

func (r *fakeRelay) NodeJoin(ctx context.Context, gpuName string, gpuVram uint64, modelIDs []string, version string, staking *big.Int) error {
	r.record("join")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins = append(r.joins, joinCall{gpuName, gpuVram, modelIDs, version, staking})
	return r.joinErr
}

func (r *fakeRelay) NodeQuit(ctx context.Context) error   { r.record("quit"); return nil }
func (r *fakeRelay) NodePause(ctx context.Context) error  { r.record("pause"); return nil }
func (r *fakeRelay) NodeResume(ctx context.Context) error { r.record("resume"); return nil }

func (r *fakeRelay) NodeReportModelDownloaded(ctx context.Context, modelID string) error { return nil }
func (r *fakeRelay) NodeUpdateVersion(ctx context.Context, version string) error         { return nil }

func (r *fakeRelay) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	r.record("balance")
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.balance), nil
}

func (r *fakeRelay) GetStakingAmount(ctx context.Context) (*big.Int, error) { return big.NewInt(0), nil }
func (r *fakeRelay) Now(ctx context.Context) (time.Time, error)             { return time.Now(), nil }
func (r *fakeRelay) Close() error                                           { return nil }

var _ relay.Relay = (*fakeRelay)(nil)

// recordingStore remembers every value written to it.
type recordingStore[T any] struct {
	*statecache.MemoryStore[T]
	mu   sync.Mutex
	sets []T
}

func newRecordingStore[T any](initial T) *recordingStore[T] {
	return &recordingStore[T]{MemoryStore: statecache.NewMemoryStore(initial)}
}

func (s *recordingStore[T]) Set(ctx context.Context, value T) error {
	if err := s.MemoryStore.Set(ctx, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.sets = append(s.sets, value)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore[T]) Sets() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.sets...)
}

func newTestManager(t *testing.T, r *fakeRelay, cache *statecache.ManagerStateCache) *Manager {
	t.Helper()
	if cache == nil {
		cache = statecache.NewMemory()
	}
	downloaded := modelcache.NewMemoryCache(
		modelcache.ModelDescriptor{Type: modelcache.TypeSDBase, ID: "sdxl", Variant: "fp16"},
	)
	return New(cache, downloaded, r,
		WithWaitInterval(time.Millisecond),
		WithStakingAmount(func() *big.Int { return contracts.EtherToWei(400) }),
	)
}

func setState(t *testing.T, m *Manager, node models.NodeStatus, tx models.TxStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Cache().SetNodeStatus(ctx, node))
	require.NoError(t, m.Cache().SetTxStatus(ctx, tx, ""))
}

func txState(t *testing.T, m *Manager) models.TxState {
	t.Helper()
	state, err := m.Cache().GetTxState(context.Background())
	require.NoError(t, err)
	return state
}

func nodeStatus(t *testing.T, m *Manager) models.NodeStatus {
	t.Helper()
	state, err := m.Cache().GetNodeState(context.Background())
	require.NoError(t, err)
	return state.Status
}

func TestStartJoinsAndWaitsForRunning(t *testing.T) {
	r := newFakeRelay(models.ChainNodeQuit, models.ChainNodeAvailable)
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusStopped, models.TxStatusNone)
	ctx := context.Background()

	waiter, err := m.Start(ctx, "RTX 4090", 24, []int{2, 5, 0})
	require.NoError(t, err)
	require.Equal(t, models.TxStatusPending, txState(t, m).Status)
	require.Len(t, r.joins, 1)
	join := r.joins[0]
	require.Equal(t, "RTX 4090", join.gpuName)
	require.EqualValues(t, 24, join.gpuVram)
	require.Equal(t, "2.5.0", join.version)
	require.Equal(t, []string{"sd_base:sdxl+fp16"}, join.modelIDs)
	require.Zero(t, join.staking.Cmp(contracts.EtherToWei(400)))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, waiter.Wait(ctx))
	require.Equal(t, models.TxStatusSuccess, txState(t, m).Status)
	require.Equal(t, models.NodeStatusRunning, nodeStatus(t, m))
}

func TestPreconditionsSkipRelay(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		node models.NodeStatus
		tx   models.TxStatus
		call func(m *Manager) error
	}{
		{"stop while paused", models.NodeStatusPaused, models.TxStatusSuccess, func(m *Manager) error { _, err := m.Stop(ctx); return err }},
		{"pause while stopped", models.NodeStatusStopped, models.TxStatusSuccess, func(m *Manager) error { _, err := m.Pause(ctx); return err }},
		{"resume while running", models.NodeStatusRunning, models.TxStatusSuccess, func(m *Manager) error { _, err := m.Resume(ctx); return err }},
		{"start while pending", models.NodeStatusStopped, models.TxStatusPending, func(m *Manager) error {
			_, err := m.Start(ctx, "gpu", 8, []int{1})
			return err
		}},
		{"start while running", models.NodeStatusRunning, models.TxStatusNone, func(m *Manager) error {
			_, err := m.Start(ctx, "gpu", 8, []int{1})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newFakeRelay(models.ChainNodeAvailable)
			m := newTestManager(t, r, nil)
			setState(t, m, tc.node, tc.tx)

			err := tc.call(m)
			require.ErrorIs(t, err, ErrPrecondition)
			var pre *PreconditionError
			require.True(t, errors.As(err, &pre))
			require.Empty(t, r.Calls())
			state := txState(t, m)
			require.Equal(t, models.TxStatusError, state.Status)
			require.Equal(t, err.Error(), state.Message)
		})
	}
}

func TestStartRejectsInsufficientBalance(t *testing.T) {
	r := newFakeRelay(models.ChainNodeQuit)
	r.balance = contracts.EtherToWei(399)
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusStopped, models.TxStatusNone)

	_, err := m.Start(context.Background(), "gpu", 8, []int{1, 0})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Empty(t, r.joins)
	require.NotEqual(t, models.TxStatusPending, txState(t, m).Status)
	require.Equal(t, models.TxStatusError, txState(t, m).Status)
}

func TestRelayErrorsAreRecorded(t *testing.T) {
	r := newFakeRelay(models.ChainNodeQuit)
	r.joinErr = &relay.Error{StatusCode: 400, Method: "nodeJoin", Message: "gpu not supported"}
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusStopped, models.TxStatusNone)

	_, err := m.Start(context.Background(), "gpu", 8, []int{1})
	require.True(t, relay.IsRelayError(err))
	state := txState(t, m)
	require.Equal(t, models.TxStatusError, state.Status)
	require.Contains(t, state.Message, "gpu not supported")
}

func TestUnexpectedErrorsLeaveTxState(t *testing.T) {
	r := newFakeRelay(models.ChainNodeQuit)
	r.joinErr = errors.New("connection reset")
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusStopped, models.TxStatusNone)

	_, err := m.Start(context.Background(), "gpu", 8, []int{1})
	require.EqualError(t, err, "connection reset")
	require.Equal(t, models.TxStatusNone, txState(t, m).Status)
}

func TestRelayTimeoutIsRecorded(t *testing.T) {
	r := newFakeRelay(models.ChainNodeQuit)
	r.joinErr = fmt.Errorf("%w: nodeJoin: %w", relay.ErrUnavailable, context.DeadlineExceeded)
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusStopped, models.TxStatusNone)

	_, err := m.Start(context.Background(), "gpu", 8, []int{1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	state := txState(t, m)
	require.Equal(t, models.TxStatusError, state.Status)
	require.Equal(t, err.Error(), state.Message)
}

func TestUnreachableRelayIsRecorded(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()
	refused := httptest.NewServer(http.NotFoundHandler())
	refused.Close()

	cases := []struct {
		name    string
		url     string
		timeout time.Duration
	}{
		{"client timeout", slow.URL, 50 * time.Millisecond},
		{"connection refused", refused.URL, time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := crypto.GeneratePrivateKey()
			require.NoError(t, err)
			r, err := relay.NewHTTPRelay(relay.Config{BaseURL: tc.url, Timeout: tc.timeout}, key)
			require.NoError(t, err)
			m := New(statecache.NewMemory(), modelcache.NewMemoryCache(), r, WithWaitInterval(time.Millisecond))
			setState(t, m, models.NodeStatusRunning, models.TxStatusNone)

			_, err = m.Stop(context.Background())
			require.ErrorIs(t, err, relay.ErrUnavailable)
			require.Equal(t, models.TxStatusError, txState(t, m).Status)
		})
	}
}

func TestErrorRecordedDespiteCancelledContext(t *testing.T) {
	r := newFakeRelay(models.ChainNodeQuit)
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusRunning, models.TxStatusNone)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.translate(ctx, "stop", &PreconditionError{Op: "stop", Reason: "test"})
	require.ErrorIs(t, err, ErrPrecondition)
	require.Equal(t, models.TxStatusError, txState(t, m).Status)

	require.ErrorIs(t, m.translate(ctx, "stop", context.Canceled), context.Canceled)
	require.Equal(t, "cannot stop node: test", txState(t, m).Message)
}

func TestStopWaitSucceedsOnPending(t *testing.T) {
	r := newFakeRelay(models.ChainNodePendingQuit, models.ChainNodePendingQuit, models.ChainNodeQuit)
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusRunning, models.TxStatusNone)
	ctx := context.Background()

	waiter, err := m.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"quit"}, r.Calls())
	require.Equal(t, models.TxStatusPending, txState(t, m).Status)

	// Only the first poll is allowed, which reports pending quit.
	cctx, cancel := context.WithCancel(ctx)
	m.waitInterval = time.Hour
	done := make(chan error, 1)
	go func() { done <- waiter.Wait(cctx) }()
	<-r.fetched
	require.Eventually(t, func() bool {
		return txState(t, m).Status == models.TxStatusSuccess
	}, time.Second, time.Millisecond)
	require.Equal(t, models.NodeStatusPendingStop, nodeStatus(t, m))
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, models.TxStatusSuccess, txState(t, m).Status)

	m.waitInterval = time.Millisecond
	require.NoError(t, waiter.Wait(ctx))
	require.Equal(t, models.NodeStatusStopped, nodeStatus(t, m))
}

func TestPauseWaitRejectsUnexpectedStatus(t *testing.T) {
	r := newFakeRelay(models.ChainNodePendingQuit)
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusRunning, models.TxStatusNone)
	ctx := context.Background()

	waiter, err := m.Pause(ctx)
	require.NoError(t, err)
	err = waiter.Wait(ctx)
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	require.Equal(t, models.NodeStatusPendingStop, inv.Status)
	require.Equal(t, models.TxStatusError, txState(t, m).Status)
}

func TestResumeWaitsForRunning(t *testing.T) {
	r := newFakeRelay(models.ChainNodePaused, models.ChainNodeBusy)
	m := newTestManager(t, r, nil)
	setState(t, m, models.NodeStatusPaused, models.TxStatusSuccess)

	waiter, err := m.Resume(context.Background())
	require.NoError(t, err)
	require.NoError(t, waiter.Wait(context.Background()))
	require.Equal(t, models.NodeStatusRunning, nodeStatus(t, m))
	require.Equal(t, []string{"resume", "info", "info"}, r.Calls())
}

func TestTryStartMirrorsExistingMembership(t *testing.T) {
	r := newFakeRelay(models.ChainNodePendingPause)
	m := newTestManager(t, r, nil)

	require.NoError(t, m.TryStart(context.Background(), "gpu", 8, []int{1}))
	require.Equal(t, []string{"info"}, r.Calls())
	require.Equal(t, models.NodeStatusPendingPause, nodeStatus(t, m))
}

func TestTryStartJoinsFromQuit(t *testing.T) {
	r := newFakeRelay(models.ChainNodeQuit, models.ChainNodeAvailable)
	m := newTestManager(t, r, nil)

	require.NoError(t, m.TryStart(context.Background(), "gpu", 8, []int{3, 1}))
	require.Equal(t, []string{"info", "balance", "join", "info"}, r.Calls())
	require.Equal(t, models.NodeStatusRunning, nodeStatus(t, m))
	require.Equal(t, models.TxStatusSuccess, txState(t, m).Status)
}

func TestTryStartResumesPausedNode(t *testing.T) {
	r := newFakeRelay(models.ChainNodePaused, models.ChainNodeAvailable)
	m := newTestManager(t, r, nil)

	require.NoError(t, m.TryStart(context.Background(), "gpu", 8, []int{1}))
	require.Equal(t, []string{"info", "resume", "info"}, r.Calls())
}

func TestTryStop(t *testing.T) {
	t.Run("available quits", func(t *testing.T) {
		r := newFakeRelay(models.ChainNodeAvailable, models.ChainNodePendingQuit, models.ChainNodeQuit)
		m := newTestManager(t, r, nil)
		require.NoError(t, m.TryStop(context.Background()))
		require.Equal(t, []string{"info", "quit", "info", "info"}, r.Calls())
		require.Equal(t, models.TxStatusSuccess, txState(t, m).Status)
		require.Equal(t, models.NodeStatusStopped, nodeStatus(t, m))
	})
	t.Run("busy is left alone", func(t *testing.T) {
		r := newFakeRelay(models.ChainNodeBusy)
		m := newTestManager(t, r, nil)
		require.NoError(t, m.TryStop(context.Background()))
		require.Equal(t, []string{"info"}, r.Calls())
	})
	t.Run("quit is a no-op", func(t *testing.T) {
		r := newFakeRelay(models.ChainNodeQuit)
		m := newTestManager(t, r, nil)
		require.NoError(t, m.TryStop(context.Background()))
		require.Equal(t, []string{"info"}, r.Calls())
	})
}

func TestSyncLoopBusyThenQuit(t *testing.T) {
	nodeStore := newRecordingStore(statecache.DefaultNodeState())
	scoreStore := newRecordingStore(statecache.DefaultNodeScoreState())
	cache := statecache.New(nodeStore, statecache.NewMemoryStore(statecache.DefaultTxState()), scoreStore)
	r := newFakeRelay(models.ChainNodeBusy, models.ChainNodeQuit)
	m := newTestManager(t, r, cache)

	done := make(chan error, 1)
	go func() { done <- m.StartSync(context.Background(), time.Millisecond) }()
	for i := 0; i < 3; i++ {
		select {
		case <-r.fetched:
		case <-time.After(time.Second):
			t.Fatal("sync loop did not poll")
		}
	}
	require.True(t, m.Syncing())
	require.ErrorIs(t, m.StartSync(context.Background(), time.Millisecond), ErrSyncRunning)
	m.StopSync()
	require.NoError(t, <-done)
	require.False(t, m.Syncing())
	m.StopSync()

	var statuses []models.NodeStatus
	for _, s := range nodeStore.Sets() {
		statuses = append(statuses, s.Status)
	}
	require.Equal(t, []models.NodeStatus{models.NodeStatusRunning, models.NodeStatusStopped}, statuses)
	scores := scoreStore.Sets()
	require.GreaterOrEqual(t, len(scores), 2)
	require.Equal(t, r.scores[0], scores[0])
	require.Equal(t, r.scores[1], scores[1])
}

func TestSyncLoopSurvivesRelayErrors(t *testing.T) {
	r := newFakeRelay(models.ChainNodeAvailable)
	r.infoErr = &relay.Error{StatusCode: 502, Method: "nodeGetNodeInfo", Message: "502 Bad Gateway"}
	m := newTestManager(t, r, nil)

	done := make(chan error, 1)
	go func() { done <- m.StartSync(context.Background(), time.Millisecond) }()
	<-r.fetched
	<-r.fetched
	r.mu.Lock()
	r.infoErr = nil
	r.mu.Unlock()
	require.Eventually(t, func() bool {
		return nodeStatus(t, m) == models.NodeStatusRunning
	}, time.Second, time.Millisecond)
	m.StopSync()
	require.NoError(t, <-done)
}

func TestStopSyncWithoutLoop(t *testing.T) {
	m := newTestManager(t, newFakeRelay(models.ChainNodeQuit), nil)
	m.StopSync()
	require.False(t, m.Syncing())
}
