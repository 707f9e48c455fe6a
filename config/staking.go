package config

import (
	"fmt"
	"math/big"
	"sync"

	"gopkg.in/yaml.v3"

	"gpunode/chain/contracts"
)

// StakingAmount is the stake in whole tokens. It can be changed at runtime
// while the manager reads it.
type StakingAmount struct {
	mu     sync.RWMutex
	tokens int64
}

// NewStakingAmount returns a holder initialised to tokens.
func NewStakingAmount(tokens int64) *StakingAmount {
	return &StakingAmount{tokens: tokens}
}

// Tokens returns the configured stake in whole tokens.
func (s *StakingAmount) Tokens() int64 {
	if s == nil {
		return DefaultStakingAmount
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Set replaces the configured stake.
func (s *StakingAmount) Set(tokens int64) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
}

// Wei returns the stake in the chain's smallest unit.
func (s *StakingAmount) Wei() *big.Int {
	return contracts.EtherToWei(s.Tokens())
}

// UnmarshalYAML decodes a bare integer.
func (s *StakingAmount) UnmarshalYAML(value *yaml.Node) error {
	var tokens int64
	if err := value.Decode(&tokens); err != nil {
		return fmt.Errorf("staking_amount: %w", err)
	}
	s.Set(tokens)
	return nil
}

// UnmarshalTOML decodes a TOML integer.
func (s *StakingAmount) UnmarshalTOML(v any) error {
	tokens, ok := v.(int64)
	if !ok {
		return fmt.Errorf("staking_amount must be an integer, got %T", v)
	}
	s.Set(tokens)
	return nil
}
