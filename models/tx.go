package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus tracks the outcome of the most recently issued lifecycle transaction.
type TxStatus string

// Transaction outcome values.
const (
	TxStatusNone    TxStatus = "none"
	TxStatusPending TxStatus = "pending"
	TxStatusSuccess TxStatus = "success"
	TxStatusError   TxStatus = "error"
)

// TxState is the cached outcome of the last lifecycle transaction.
type TxState struct {
	Status  TxStatus
	Message string
}

// StakingInfo is the staking position recorded for a node on chain.
type StakingInfo struct {
	NodeAddress   common.Address
	StakedBalance *big.Int
	StakedCredits *big.Int
}

// Total returns the combined staked balance and credits.
func (s StakingInfo) Total() *big.Int {
	total := new(big.Int)
	if s.StakedBalance != nil {
		total.Add(total, s.StakedBalance)
	}
	if s.StakedCredits != nil {
		total.Add(total, s.StakedCredits)
	}
	return total
}
