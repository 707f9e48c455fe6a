package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gpunode/chain/pool"
)

// SetBenefitAddress routes the node's earnings to benefit.
func (c *Contracts) SetBenefitAddress(ctx context.Context, benefit common.Address, opt *TxOption) (*types.Receipt, error) {
	return c.send(ctx, BenefitAddressContract, nil, opt, "setBenefitAddress", benefit)
}

// BenefitAddress returns the address receiving node's earnings. The zero
// address means earnings stay with the node account.
func (c *Contracts) BenefitAddress(ctx context.Context, node common.Address) (addr common.Address, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		addr, err = c.callAddress(ctx, b, BenefitAddressContract, "getBenefitAddress", node)
		return err
	})
	return addr, err
}

// SetWithdrawalFeeAddress sets the account collecting withdrawal fees.
func (c *Contracts) SetWithdrawalFeeAddress(ctx context.Context, addr common.Address, opt *TxOption) (*types.Receipt, error) {
	return c.send(ctx, WithdrawContract, nil, opt, "setWithdrawalFeeAddress", addr)
}

// WithdrawalFeeAddress returns the account collecting withdrawal fees.
func (c *Contracts) WithdrawalFeeAddress(ctx context.Context) (addr common.Address, err error) {
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		addr, err = c.callAddress(ctx, b, WithdrawContract, "getWithdrawalFeeAddress")
		return err
	})
	return addr, err
}

// Withdraw moves amount to to, paying fee on top. The transaction value is
// amount plus fee.
func (c *Contracts) Withdraw(ctx context.Context, to common.Address, amount, fee *big.Int, opt *TxOption) (*types.Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("contracts: withdraw amount must be positive")
	}
	if fee == nil {
		fee = new(big.Int)
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("contracts: withdrawal fee must not be negative")
	}
	value := new(big.Int).Add(amount, fee)
	return c.send(ctx, WithdrawContract, value, opt, "withdraw", to, amount, fee)
}

// send packs method on contract and submits it with value.
func (c *Contracts) send(ctx context.Context, contract Name, value *big.Int, opt *TxOption, method string, args ...any) (receipt *types.Receipt, err error) {
	bc, err := c.contract(contract)
	if err != nil {
		return nil, err
	}
	data, err := bc.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contracts: pack %s.%s: %w", contract, method, err)
	}
	err = c.pool.Do(ctx, func(ctx context.Context, b pool.Backend) error {
		receipt, err = c.transact(ctx, b, bc.address, value, data, opt)
		return err
	})
	return receipt, err
}

func (c *Contracts) callAddress(ctx context.Context, b pool.Backend, contract Name, method string, args ...any) (common.Address, error) {
	out, err := c.call(ctx, b, contract, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("contracts: %s.%s returned %d values", contract, method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("contracts: %s.%s returned %T", contract, method, out[0])
	}
	return addr, nil
}
