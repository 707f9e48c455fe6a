// Package contracts submits and reads node transactions through the
// connection pool.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gpunode/chain/pool"
	"gpunode/models"
	"gpunode/observability/logging"
)

var (
	// ErrDeployUnsupported is returned by Init when a contract address is
	// missing. The node never deploys contracts itself.
	ErrDeployUnsupported = errors.New("contracts: contract address required, deployment is not supported")
	// ErrNotInitialized is returned by contract calls before Init succeeded.
	ErrNotInitialized = errors.New("contracts: not initialized")
	// ErrTxReverted is returned when a mined transaction has a failed status.
	ErrTxReverted = errors.New("contracts: transaction reverted")
	// ErrUnknownEvent is returned by Events for names missing from the ABI.
	ErrUnknownEvent = errors.New("contracts: unknown event")
	// ErrContractNotConfigured is returned by calls to an optional contract
	// whose address was not set.
	ErrContractNotConfigured = errors.New("contracts: contract address not configured")
)

var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EtherToWei converts whole tokens to the chain's smallest unit.
func EtherToWei(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), weiPerToken)
}

// Addresses holds the deployed contract addresses. Credits and NodeStaking
// are required; the payout contracts are optional.
type Addresses struct {
	Credits        common.Address
	NodeStaking    common.Address
	BenefitAddress common.Address
	Withdraw       common.Address
}

// Option customises Contracts.
type Option func(*Contracts)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Contracts) {
		if logger != nil {
			c.logger = logging.Component(logger, "contracts")
		}
	}
}

// WithReceiptPollInterval sets how often receipts are polled after sending.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(c *Contracts) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Contracts is the on-chain facade used by the node.
type Contracts struct {
	pool         *pool.Pool
	addrs        Addresses
	defaults     TxOption
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.RWMutex
	chainID *big.Int
	staking *boundContract
	credits *boundContract
	benefit *boundContract
	payout  *boundContract

	closeOnce sync.Once
	closeErr  error
}

// New builds the facade. Init must succeed before any other call.
func New(p *pool.Pool, addrs Addresses, defaults TxOption, opts ...Option) *Contracts {
	c := &Contracts{
		pool:         p,
		addrs:        addrs,
		defaults:     defaults,
		logger:       logging.Component(nil, "contracts"),
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init verifies the account, resolves the chain id and binds both
// contracts. On failure the pool is closed.
func (c *Contracts) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()
	if c.addrs.Credits == (common.Address{}) || c.addrs.NodeStaking == (common.Address{}) {
		return ErrDeployUnsupported
	}
	if c.pool.Account() == (common.Address{}) {
		return fmt.Errorf("contracts: wallet address is empty")
	}
	chainID := c.defaults.ChainID
	if chainID == nil {
		err = c.pool.Do(ctx, func(ctx context.Context, backend pool.Backend) error {
			id, err := backend.ChainID(ctx)
			if err != nil {
				return fmt.Errorf("contracts: chain id: %w", err)
			}
			chainID = id
			return nil
		})
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(chainID)
	c.staking = &boundContract{name: NodeStakingContract, abi: nodeStakingABI, address: c.addrs.NodeStaking}
	c.credits = &boundContract{name: CreditsContract, abi: creditsABI, address: c.addrs.Credits}
	if c.addrs.BenefitAddress != (common.Address{}) {
		c.benefit = &boundContract{name: BenefitAddressContract, abi: benefitAddressABI, address: c.addrs.BenefitAddress}
	}
	if c.addrs.Withdraw != (common.Address{}) {
		c.payout = &boundContract{name: WithdrawContract, abi: withdrawABI, address: c.addrs.Withdraw}
	}
	c.mu.Unlock()

	c.logger.Info("contracts initialized",
		"address", c.pool.Account().Hex(),
		"chain_id", chainID.String(),
		"node_staking", c.addrs.NodeStaking.Hex(),
		"credits", c.addrs.Credits.Hex())
	return nil
}

// Initialized reports whether Init succeeded.
func (c *Contracts) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staking != nil
}

// Account returns the signing account.
func (c *Contracts) Account() common.Address { return c.pool.Account() }

// Pool returns the underlying connection pool.
func (c *Contracts) Pool() *pool.Pool { return c.pool }

// ChainID returns the chain id resolved by Init.
func (c *Contracts) ChainID() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.chainID == nil {
		return nil
	}
	return new(big.Int).Set(c.chainID)
}

func (c *Contracts) contract(name Name) (*boundContract, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.staking == nil {
		return nil, ErrNotInitialized
	}
	switch name {
	case NodeStakingContract:
		return c.staking, nil
	case CreditsContract:
		return c.credits, nil
	case BenefitAddressContract:
		if c.benefit == nil {
			return nil, fmt.Errorf("%w: %s", ErrContractNotConfigured, name)
		}
		return c.benefit, nil
	case WithdrawContract:
		if c.payout == nil {
			return nil, fmt.Errorf("%w: %s", ErrContractNotConfigured, name)
		}
		return c.payout, nil
	default:
		return nil, fmt.Errorf("contracts: unknown contract %q", name)
	}
}

// BlockNumber returns the latest block number.
func (c *Contracts) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}

// Header returns the header at number, or the latest when number is nil.
func (c *Contracts) Header(ctx context.Context, number *big.Int) (h *types.Header, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		h, err = b.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

// TxReceipt returns the receipt of a mined transaction.
func (c *Contracts) TxReceipt(ctx context.Context, hash common.Hash) (r *types.Receipt, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		r, err = b.TransactionReceipt(ctx, hash)
		return err
	})
	return r, err
}

// Balance returns the latest balance of addr.
func (c *Contracts) Balance(ctx context.Context, addr common.Address) (v *big.Int, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		v, err = b.BalanceAt(ctx, addr, nil)
		return err
	})
	return v, err
}

// StakingInfo returns the stake held by addr.
func (c *Contracts) StakingInfo(ctx context.Context, addr common.Address) (info models.StakingInfo, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		info, err = c.stakingInfo(ctx, b, addr)
		return err
	})
	return info, err
}

func (c *Contracts) stakingInfo(ctx context.Context, b pool.Backend, addr common.Address) (models.StakingInfo, error) {
	out, err := c.call(ctx, b, NodeStakingContract, "getStakingInfo", addr)
	if err != nil {
		return models.StakingInfo{}, err
	}
	if len(out) != 3 {
		return models.StakingInfo{}, fmt.Errorf("contracts: getStakingInfo returned %d values", len(out))
	}
	nodeAddr, ok1 := out[0].(common.Address)
	balance, ok2 := out[1].(*big.Int)
	credits, ok3 := out[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return models.StakingInfo{}, fmt.Errorf("contracts: unexpected getStakingInfo output types")
	}
	return models.StakingInfo{NodeAddress: nodeAddr, StakedBalance: balance, StakedCredits: credits}, nil
}

// MinStakeAmount returns the minimum stake accepted by the staking contract.
func (c *Contracts) MinStakeAmount(ctx context.Context) (v *big.Int, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		v, err = c.callUint(ctx, b, NodeStakingContract, "getMinStakeAmount")
		return err
	})
	return v, err
}

// Credits returns the stakable credits held by addr.
func (c *Contracts) Credits(ctx context.Context, addr common.Address) (v *big.Int, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		v, err = c.callUint(ctx, b, CreditsContract, "getCredits", addr)
		return err
	})
	return v, err
}

// NodeAddresses lists every address with a stake.
func (c *Contracts) NodeAddresses(ctx context.Context) (addrs []common.Address, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		out, err := c.call(ctx, b, NodeStakingContract, "getAllNodeAddresses")
		if err != nil {
			return err
		}
		if len(out) != 1 {
			return fmt.Errorf("contracts: getAllNodeAddresses returned %d values", len(out))
		}
		list, ok := out[0].([]common.Address)
		if !ok {
			return fmt.Errorf("contracts: unexpected getAllNodeAddresses output type %T", out[0])
		}
		addrs = list
		return nil
	})
	return addrs, err
}

// Events returns the raw logs of event emitted by contract between from and
// to inclusive. Nil bounds mean genesis and latest.
func (c *Contracts) Events(ctx context.Context, contract Name, event string, from, to *big.Int) (logs []types.Log, err error) {
	bc, err := c.contract(contract)
	if err != nil {
		return nil, err
	}
	ev, ok := bc.abi.Events[event]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownEvent, contract, event)
	}
	query := ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{bc.address},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		logs, err = b.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

func (c *Contracts) call(ctx context.Context, b pool.Backend, contract Name, method string, args ...any) ([]any, error) {
	bc, err := c.contract(contract)
	if err != nil {
		return nil, err
	}
	data, err := bc.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contracts: pack %s.%s: %w", contract, method, err)
	}
	from := c.pool.Account()
	raw, err := b.CallContract(ctx, ethereum.CallMsg{From: from, To: &bc.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contracts: call %s.%s: %w", contract, method, err)
	}
	out, err := bc.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("contracts: unpack %s.%s: %w", contract, method, err)
	}
	return out, nil
}

func (c *Contracts) callUint(ctx context.Context, b pool.Backend, contract Name, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, b, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("contracts: %s.%s returned %d values", contract, method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("contracts: %s.%s returned %T", contract, method, out[0])
	}
	return v, nil
}

// Close closes the pool once.
func (c *Contracts) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pool.Close()
	})
	return c.closeErr
}
