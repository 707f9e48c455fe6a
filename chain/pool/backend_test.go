package pool

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeBackend struct {
	id     int
	closed atomic.Bool

	mu           sync.Mutex
	pendingNonce uint64
	nonceCalls   int
	nonceErr     error
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 7, nil }
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(7)}, nil
}
func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.pendingNonce, nil
}
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeBackend) SendTransaction(context.Context, *types.Transaction) error { return nil }
func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeBackend) Close() { f.closed.Store(true) }

func (f *fakeBackend) setPendingNonce(n uint64) {
	f.mu.Lock()
	f.pendingNonce = n
	f.mu.Unlock()
}

func (f *fakeBackend) nonceFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonceCalls
}

// fakeDialer hands out fakeBackends and counts open connections.
type fakeDialer struct {
	mu       sync.Mutex
	opened   []*fakeBackend
	live     int
	maxLive  int
	failNext error
}

func (d *fakeDialer) dial(context.Context) (Backend, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return nil, nil, err
	}
	b := &fakeBackend{id: len(d.opened) + 1}
	d.opened = append(d.opened, b)
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	return b, func() {
		b.Close()
		d.mu.Lock()
		d.live--
		d.mu.Unlock()
	}, nil
}

func (d *fakeDialer) stats() (opened, live, maxLive int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened), d.live, d.maxLive
}
