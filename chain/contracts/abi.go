package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Name identifies one of the contracts the node talks to.
type Name string

const (
	CreditsContract        Name = "credits"
	NodeStakingContract    Name = "node_staking"
	BenefitAddressContract Name = "benefit_address"
	WithdrawContract       Name = "withdraw"
)

const nodeStakingABIJSON = `[
	{"type":"function","name":"getMinStakeAmount","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getStakingInfo","stateMutability":"view",
	 "inputs":[{"name":"nodeAddress","type":"address"}],
	 "outputs":[{"name":"nodeAddress","type":"address"},{"name":"stakedBalance","type":"uint256"},{"name":"stakedCredits","type":"uint256"}]},
	{"type":"function","name":"getAllNodeAddresses","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"stake","stateMutability":"payable",
	 "inputs":[{"name":"stakedAmount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"unstake","stateMutability":"nonpayable",
	 "inputs":[{"name":"nodeAddress","type":"address"}],"outputs":[]},
	{"type":"event","name":"NodeStaked","anonymous":false,
	 "inputs":[{"name":"nodeAddress","type":"address","indexed":true},{"name":"stakedBalance","type":"uint256","indexed":false},{"name":"stakedCredits","type":"uint256","indexed":false}]},
	{"type":"event","name":"NodeUnstaked","anonymous":false,
	 "inputs":[{"name":"nodeAddress","type":"address","indexed":true},{"name":"stakedBalance","type":"uint256","indexed":false},{"name":"stakedCredits","type":"uint256","indexed":false}]}
]`

const creditsABIJSON = `[
	{"type":"function","name":"getCredits","stateMutability":"view",
	 "inputs":[{"name":"addr","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"CreditsBought","anonymous":false,
	 "inputs":[{"name":"addr","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const benefitAddressABIJSON = `[
	{"type":"function","name":"setBenefitAddress","stateMutability":"nonpayable",
	 "inputs":[{"name":"benefitAddress","type":"address"}],"outputs":[]},
	{"type":"function","name":"getBenefitAddress","stateMutability":"view",
	 "inputs":[{"name":"nodeAddress","type":"address"}],"outputs":[{"name":"","type":"address"}]}
]`

const withdrawABIJSON = `[
	{"type":"function","name":"setWithdrawalFeeAddress","stateMutability":"nonpayable",
	 "inputs":[{"name":"addr","type":"address"}],"outputs":[]},
	{"type":"function","name":"getWithdrawalFeeAddress","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"withdraw","stateMutability":"payable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"withdrawalFeeAmount","type":"uint256"}],"outputs":[]}
]`

var (
	nodeStakingABI    = mustParseABI(nodeStakingABIJSON)
	creditsABI        = mustParseABI(creditsABIJSON)
	benefitAddressABI = mustParseABI(benefitAddressABIJSON)
	withdrawABI       = mustParseABI(withdrawABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse abi: %v", err))
	}
	return parsed
}

// boundContract pairs an ABI with its deployed address.
type boundContract struct {
	name    Name
	abi     abi.ABI
	address common.Address
}

// NodeStakingABI exposes the embedded NodeStaking ABI.
func NodeStakingABI() abi.ABI { return nodeStakingABI }

// CreditsABI exposes the embedded Credits ABI.
func CreditsABI() abi.ABI { return creditsABI }
