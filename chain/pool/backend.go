package pool

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// Backend is the subset of *ethclient.Client the node uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// guardBackend is the view handed to guard holders. Connections are closed by
// the pool's teardown, so Close is a no-op here.
type guardBackend struct {
	Backend
}

func (guardBackend) Close() {}

// limitedBackend throttles every call through a per-guard token bucket and
// applies the pool's per-call timeout.
type limitedBackend struct {
	next    Backend
	limiter *rate.Limiter
	timeout time.Duration
}

func newLimitedBackend(next Backend, rps float64, timeout time.Duration) *limitedBackend {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &limitedBackend{next: next, limiter: rate.NewLimiter(limit, 1), timeout: timeout}
}

func (b *limitedBackend) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return ctx, func() {}, err
	}
	if b.timeout <= 0 {
		return ctx, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	return ctx, cancel, nil
}

func (b *limitedBackend) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.ChainID(ctx)
}

func (b *limitedBackend) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}
	return b.next.BlockNumber(ctx)
}

func (b *limitedBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.HeaderByNumber(ctx, number)
}

func (b *limitedBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.BalanceAt(ctx, account, blockNumber)
}

func (b *limitedBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}
	return b.next.PendingNonceAt(ctx, account)
}

func (b *limitedBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.SuggestGasPrice(ctx)
}

func (b *limitedBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.SuggestGasTipCap(ctx)
}

func (b *limitedBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}
	return b.next.EstimateGas(ctx, msg)
}

func (b *limitedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	return b.next.SendTransaction(ctx, tx)
}

func (b *limitedBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.TransactionReceipt(ctx, txHash)
}

func (b *limitedBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.CallContract(ctx, msg, blockNumber)
}

func (b *limitedBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel, err := b.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return b.next.FilterLogs(ctx, q)
}

func (b *limitedBackend) Close() {
	b.next.Close()
}
