package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gpunode/chain/pool"
)

// TxOption overrides transaction parameters. Setting GasPrice produces a
// legacy transaction; setting either dynamic fee field produces an EIP-1559
// transaction. Unset fields are estimated or suggested by the node.
type TxOption struct {
	ChainID              *big.Int
	Gas                  uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// merge returns o with unset fields taken from defaults.
func (o *TxOption) merge(defaults TxOption) TxOption {
	if o == nil {
		return defaults
	}
	out := *o
	if out.ChainID == nil {
		out.ChainID = defaults.ChainID
	}
	if out.Gas == 0 {
		out.Gas = defaults.Gas
	}
	if out.GasPrice == nil && out.MaxFeePerGas == nil && out.MaxPriorityFeePerGas == nil {
		out.GasPrice = defaults.GasPrice
		out.MaxFeePerGas = defaults.MaxFeePerGas
		out.MaxPriorityFeePerGas = defaults.MaxPriorityFeePerGas
	}
	return out
}

func (o TxOption) dynamic() bool {
	return o.MaxFeePerGas != nil || o.MaxPriorityFeePerGas != nil
}

// Transfer sends amount wei to to and waits for the receipt.
func (c *Contracts) Transfer(ctx context.Context, to common.Address, amount *big.Int, opt *TxOption) (receipt *types.Receipt, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		receipt, err = c.transact(ctx, b, to, amount, nil, opt)
		return err
	})
	return receipt, err
}

// Stake brings the account's stake to amount. Credits held by the account
// are staked first and only the shortfall is paid as transaction value. When
// the current stake already equals amount nothing is sent and the receipt is
// nil.
func (c *Contracts) Stake(ctx context.Context, amount *big.Int, opt *TxOption) (receipt *types.Receipt, err error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("contracts: stake amount must be positive")
	}
	bc, err := c.contract(NodeStakingContract)
	if err != nil {
		return nil, err
	}
	account := c.pool.Account()
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		info, err := c.stakingInfo(ctx, b, account)
		if err != nil {
			return err
		}
		current := info.Total()
		if amount.Cmp(current) == 0 {
			c.logger.Debug("stake unchanged", "address", account.Hex(), "amount", amount.String())
			return nil
		}
		value := new(big.Int)
		if amount.Cmp(current) > 0 {
			diff := new(big.Int).Sub(amount, current)
			credits, err := c.callUint(ctx, b, CreditsContract, "getCredits", account)
			if err != nil {
				return err
			}
			if credits.Cmp(diff) < 0 {
				value.Sub(diff, credits)
			}
		}
		data, err := bc.abi.Pack("stake", amount)
		if err != nil {
			return fmt.Errorf("contracts: pack stake: %w", err)
		}
		receipt, err = c.transact(ctx, b, bc.address, value, data, opt)
		return err
	})
	return receipt, err
}

// Unstake withdraws the account's stake.
func (c *Contracts) Unstake(ctx context.Context, opt *TxOption) (receipt *types.Receipt, err error) {
	bc, err := c.contract(NodeStakingContract)
	if err != nil {
		return nil, err
	}
	data, err := bc.abi.Pack("unstake", c.pool.Account())
	if err != nil {
		return nil, fmt.Errorf("contracts: pack unstake: %w", err)
	}
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		receipt, err = c.transact(ctx, b, bc.address, nil, data, opt)
		return err
	})
	return receipt, err
}

// transact builds, signs and sends one transaction under the nonce
// sequencer, then waits for it to be mined.
func (c *Contracts) transact(ctx context.Context, b pool.Backend, to common.Address, value *big.Int, data []byte, override *TxOption) (*types.Receipt, error) {
	chainID := c.ChainID()
	if chainID == nil {
		return nil, ErrNotInitialized
	}
	opt := override.merge(c.defaults)
	if opt.ChainID != nil {
		chainID = opt.ChainID
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.pool.Account()

	gas := opt.Gas
	if gas == 0 {
		estimated, err := b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return nil, fmt.Errorf("contracts: estimate gas: %w", err)
		}
		gas = estimated
	}
	fees, err := c.resolveFees(ctx, b, opt)
	if err != nil {
		return nil, err
	}

	signer := types.LatestSignerForChainID(chainID)
	var hash common.Hash
	err = c.pool.WithNonce(ctx, b, func(nonce uint64) error {
		var inner types.TxData
		if fees.dynamic() {
			inner = &types.DynamicFeeTx{
				ChainID:   chainID,
				Nonce:     nonce,
				GasTipCap: fees.MaxPriorityFeePerGas,
				GasFeeCap: fees.MaxFeePerGas,
				Gas:       gas,
				To:        &to,
				Value:     value,
				Data:      data,
			}
		} else {
			inner = &types.LegacyTx{
				Nonce:    nonce,
				GasPrice: fees.GasPrice,
				Gas:      gas,
				To:       &to,
				Value:    value,
				Data:     data,
			}
		}
		signed, err := types.SignTx(types.NewTx(inner), signer, c.pool.PrivateKey().PrivateKey)
		if err != nil {
			return fmt.Errorf("contracts: sign tx: %w", err)
		}
		if err := b.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("contracts: send tx: %w", err)
		}
		hash = signed.Hash()
		c.logger.Debug("transaction sent", "address", from.Hex(), "tx", hash.Hex(), "nonce", nonce)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.waitReceipt(ctx, b, hash)
}

// resolveFees fills in whichever fee fields are unset. Without explicit
// options the fee model follows the chain: dynamic fees when the latest
// header carries a base fee, legacy gas price otherwise.
func (c *Contracts) resolveFees(ctx context.Context, b pool.Backend, opt TxOption) (TxOption, error) {
	if opt.GasPrice != nil {
		return opt, nil
	}
	if !opt.dynamic() {
		head, err := b.HeaderByNumber(ctx, nil)
		if err != nil {
			return opt, fmt.Errorf("contracts: latest header: %w", err)
		}
		if head.BaseFee == nil {
			price, err := b.SuggestGasPrice(ctx)
			if err != nil {
				return opt, fmt.Errorf("contracts: suggest gas price: %w", err)
			}
			opt.GasPrice = price
			return opt, nil
		}
		tip, err := b.SuggestGasTipCap(ctx)
		if err != nil {
			return opt, fmt.Errorf("contracts: suggest tip: %w", err)
		}
		opt.MaxPriorityFeePerGas = tip
		opt.MaxFeePerGas = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return opt, nil
	}
	if opt.MaxPriorityFeePerGas == nil {
		tip, err := b.SuggestGasTipCap(ctx)
		if err != nil {
			return opt, fmt.Errorf("contracts: suggest tip: %w", err)
		}
		opt.MaxPriorityFeePerGas = tip
	}
	if opt.MaxFeePerGas == nil {
		head, err := b.HeaderByNumber(ctx, nil)
		if err != nil {
			return opt, fmt.Errorf("contracts: latest header: %w", err)
		}
		fee := new(big.Int).Set(opt.MaxPriorityFeePerGas)
		if head.BaseFee != nil {
			fee.Add(fee, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}
		opt.MaxFeePerGas = fee
	}
	return opt, nil
}

func (c *Contracts) waitReceipt(ctx context.Context, b pool.Backend, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := b.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("contracts: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
