package config

import (
	"fmt"
	"math/big"
	"strings"

	"gpunode/chain/contracts"
)

// TxOption derives the default transaction options from the ethereum section.
// Fee fields are decimal wei amounts; empty fields are left for the node to
// suggest.
func (e EthereumConfig) TxOption() (contracts.TxOption, error) {
	opt := contracts.TxOption{Gas: e.Gas}
	if e.ChainID != 0 {
		opt.ChainID = new(big.Int).SetUint64(e.ChainID)
	}
	var err error
	if opt.GasPrice, err = parseWei("gas_price", e.GasPrice); err != nil {
		return opt, err
	}
	if opt.MaxFeePerGas, err = parseWei("max_fee_per_gas", e.MaxFeePerGas); err != nil {
		return opt, err
	}
	if opt.MaxPriorityFeePerGas, err = parseWei("max_priority_fee_per_gas", e.MaxPriorityFeePerGas); err != nil {
		return opt, err
	}
	if opt.GasPrice != nil && (opt.MaxFeePerGas != nil || opt.MaxPriorityFeePerGas != nil) {
		return opt, fmt.Errorf("gas_price cannot be combined with dynamic fee fields")
	}
	return opt, nil
}

// DefaultTxOption is shorthand for cfg.Ethereum.TxOption.
func (c Config) DefaultTxOption() (contracts.TxOption, error) {
	return c.Ethereum.TxOption()
}

func parseWei(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer, got %q", field, raw)
	}
	return value, nil
}
