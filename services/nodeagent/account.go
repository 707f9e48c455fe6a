package nodeagent

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"gpunode/observability/logging"
	"gpunode/relay"
)

// AccountInfo is the last observed balance and stake of the node account,
// both in wei. Zero values mean nothing has been fetched yet.
type AccountInfo struct {
	Address   common.Address
	Balance   *big.Int
	Staking   *big.Int
	UpdatedAt time.Time
}

// Account keeps AccountInfo current from the relay.
type Account struct {
	relay  relay.Relay
	logger *slog.Logger

	mu   sync.RWMutex
	info AccountInfo
}

// NewAccount returns an account tracker for the relay's node address.
func NewAccount(r relay.Relay, logger *slog.Logger) *Account {
	return &Account{
		relay:  r,
		logger: logging.Component(logger, "account"),
		info:   AccountInfo{Address: r.NodeAddress(), Balance: new(big.Int), Staking: new(big.Int)},
	}
}

// Info returns a copy of the last observation.
func (a *Account) Info() AccountInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info := a.info
	info.Balance = new(big.Int).Set(a.info.Balance)
	info.Staking = new(big.Int).Set(a.info.Staking)
	return info
}

// Refresh fetches balance and stake concurrently. Nothing is stored unless
// both succeed.
func (a *Account) Refresh(ctx context.Context) error {
	var balance, staking *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = a.relay.GetBalance(gctx, a.info.Address)
		return err
	})
	g.Go(func() error {
		var err error
		staking, err = a.relay.GetStakingAmount(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	a.mu.Lock()
	a.info.Balance = balance
	a.info.Staking = staking
	a.info.UpdatedAt = time.Now()
	a.mu.Unlock()
	a.logger.Debug("account info updated", "balance", balance.String(), "staking", staking.String())
	return nil
}

// Run refreshes every interval until ctx ends. Failures are logged and the
// loop carries on.
func (a *Account) Run(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("update account info failed", "error", err)
		}
		timer.Reset(interval)
	}
}
