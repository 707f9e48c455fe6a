package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"gpunode/chain/contracts"
)

// Configured reports whether any of the required contract addresses is set.
func (c ContractConfig) Configured() bool {
	return strings.TrimSpace(c.Credits) != "" || strings.TrimSpace(c.NodeStaking) != ""
}

// Addresses parses the configured addresses. Credits and NodeStaking must be
// valid; empty optional addresses stay zero.
func (c ContractConfig) Addresses() (contracts.Addresses, error) {
	var out contracts.Addresses
	fields := []struct {
		name     string
		raw      string
		required bool
		dst      *common.Address
	}{
		{"credits", c.Credits, true, &out.Credits},
		{"node_staking", c.NodeStaking, true, &out.NodeStaking},
		{"benefit_address", c.BenefitAddress, false, &out.BenefitAddress},
		{"withdraw", c.Withdraw, false, &out.Withdraw},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" && !f.required {
			continue
		}
		if !common.IsHexAddress(raw) {
			return contracts.Addresses{}, fmt.Errorf("invalid contract address %q for %s", raw, f.name)
		}
		*f.dst = common.HexToAddress(raw)
	}
	return out, nil
}
