package contracts

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"gpunode/chain/pool"
	"gpunode/crypto"
)

var (
	stakingAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	creditsAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	benefitAddr = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	payoutAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	feeAddr     = common.HexToAddress("0x00000000000000000000000000000000000000f6")
)

// fakeChain answers contract calls from fixed state and mines every sent
// transaction immediately.
type fakeChain struct {
	mu            sync.Mutex
	chainID       *big.Int
	baseFee       *big.Int
	stakedBalance *big.Int
	stakedCredits *big.Int
	credits       *big.Int
	nonce         uint64
	revert        bool
	sent          []*types.Transaction
	receipts      map[common.Hash]*types.Receipt
	pollsPending  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:       big.NewInt(42),
		stakedBalance: new(big.Int),
		stakedCredits: new(big.Int),
		credits:       new(big.Int),
		receipts:      map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }
func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}
func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return EtherToWei(1000), nil
}
func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}
func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(7), nil }
func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }
func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.Nonce() != f.nonce {
		return errors.New("nonce too low")
	}
	f.nonce++
	f.sent = append(f.sent, tx)
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(101)}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollsPending > 0 {
		f.pollsPending--
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var contractABI = nodeStakingABI
	switch *msg.To {
	case creditsAddr:
		contractABI = creditsABI
	case benefitAddr:
		contractABI = benefitAddressABI
	case payoutAddr:
		contractABI = withdrawABI
	}
	method, err := contractABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getStakingInfo":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(args[0].(common.Address), f.stakedBalance, f.stakedCredits)
	case "getMinStakeAmount":
		return method.Outputs.Pack(EtherToWei(400))
	case "getCredits":
		return method.Outputs.Pack(f.credits)
	case "getAllNodeAddresses":
		return method.Outputs.Pack([]common.Address{stakingAddr})
	case "getBenefitAddress":
		return method.Outputs.Pack(feeAddr)
	case "getWithdrawalFeeAddress":
		return method.Outputs.Pack(feeAddr)
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return []types.Log{{Address: q.Addresses[0], Topics: []common.Hash{q.Topics[0][0]}}}, nil
}

func (f *fakeChain) Close() {}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func newTestContracts(t *testing.T, chain *fakeChain, addrs Addresses, defaults TxOption) (*Contracts, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	p, err := pool.NewInjected(key, chain, pool.Config{Name: t.Name()})
	require.NoError(t, err)
	c := New(p, addrs, defaults, WithReceiptPollInterval(time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })
	return c, key
}

func TestInitRequiresAddresses(t *testing.T) {
	c, _ := newTestContracts(t, newFakeChain(), Addresses{NodeStaking: stakingAddr}, TxOption{})
	err := c.Init(context.Background())
	require.ErrorIs(t, err, ErrDeployUnsupported)
	require.True(t, c.Pool().Closed(), "failed init closes the pool")
	require.False(t, c.Initialized())
}

func TestInitResolvesChainID(t *testing.T) {
	c, _ := newTestContracts(t, newFakeChain(), Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{})
	require.NoError(t, c.Init(context.Background()))
	require.True(t, c.Initialized())
	require.Equal(t, int64(42), c.ChainID().Int64())
}

func TestCallsBeforeInit(t *testing.T) {
	c, _ := newTestContracts(t, newFakeChain(), Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{})
	_, err := c.StakingInfo(context.Background(), common.Address{})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestReads(t *testing.T) {
	chain := newFakeChain()
	chain.stakedBalance = big.NewInt(5)
	chain.stakedCredits = big.NewInt(6)
	c, key := newTestContracts(t, chain, Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{})
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	info, err := c.StakingInfo(ctx, key.Address())
	require.NoError(t, err)
	require.Equal(t, key.Address(), info.NodeAddress)
	require.Equal(t, int64(11), info.Total().Int64())

	minStake, err := c.MinStakeAmount(ctx)
	require.NoError(t, err)
	require.Zero(t, EtherToWei(400).Cmp(minStake))

	addrs, err := c.NodeAddresses(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Address{stakingAddr}, addrs)

	logs, err := c.Events(ctx, NodeStakingContract, "NodeStaked", nil, nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, nodeStakingABI.Events["NodeStaked"].ID, logs[0].Topics[0])

	_, err = c.Events(ctx, CreditsContract, "Missing", nil, nil)
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestStakePaysShortfallOverCredits(t *testing.T) {
	chain := newFakeChain()
	chain.credits = EtherToWei(100)
	chain.baseFee = big.NewInt(10)
	chain.pollsPending = 2
	c, key := newTestContracts(t, chain, Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{})
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	receipt, err := c.Stake(ctx, EtherToWei(400), nil)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	sent := chain.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Zero(t, EtherToWei(300).Cmp(tx.Value()))
	require.Equal(t, stakingAddr, *tx.To())
	require.Equal(t, int64(22), tx.GasFeeCap().Int64())

	want, err := nodeStakingABI.Pack("stake", EtherToWei(400))
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, tx.Data()))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(42)), tx)
	require.NoError(t, err)
	require.Equal(t, key.Address(), sender)
}

func TestStakeIsNoopWhenAlreadyStaked(t *testing.T) {
	chain := newFakeChain()
	chain.stakedBalance = EtherToWei(300)
	chain.stakedCredits = EtherToWei(100)
	c, _ := newTestContracts(t, chain, Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{})
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	receipt, err := c.Stake(ctx, EtherToWei(400), nil)
	require.NoError(t, err)
	require.Nil(t, receipt)
	require.Empty(t, chain.sentTxs())
}

func TestLegacyTransferAndNonceSequence(t *testing.T) {
	chain := newFakeChain()
	chain.nonce = 9
	c, _ := newTestContracts(t, chain, Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{GasPrice: big.NewInt(3), Gas: 21000})
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	to := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	for i := 0; i < 2; i++ {
		_, err := c.Transfer(ctx, to, big.NewInt(1), nil)
		require.NoError(t, err)
	}
	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	require.Equal(t, uint64(9), sent[0].Nonce())
	require.Equal(t, uint64(10), sent[1].Nonce())
	require.Equal(t, uint8(types.LegacyTxType), sent[0].Type())
	require.Equal(t, uint64(21000), sent[0].Gas())
	require.Equal(t, int64(3), sent[0].GasPrice().Int64())
}

func TestRevertedUnstake(t *testing.T) {
	chain := newFakeChain()
	chain.revert = true
	c, key := newTestContracts(t, chain, Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{})
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	receipt, err := c.Unstake(ctx, &TxOption{GasPrice: big.NewInt(1)})
	require.ErrorIs(t, err, ErrTxReverted)
	require.NotNil(t, receipt)

	sent := chain.sentTxs()
	require.Len(t, sent, 1)
	want, err := nodeStakingABI.Pack("unstake", key.Address())
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, sent[0].Data()))
	require.Equal(t, uint64(50_000), sent[0].Gas(), "gas estimated when unset")
}

func TestPayoutContracts(t *testing.T) {
	chain := newFakeChain()
	c, key := newTestContracts(t, chain, Addresses{
		Credits:        creditsAddr,
		NodeStaking:    stakingAddr,
		BenefitAddress: benefitAddr,
		Withdraw:       payoutAddr,
	}, TxOption{GasPrice: big.NewInt(1)})
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	benefit, err := c.BenefitAddress(ctx, key.Address())
	require.NoError(t, err)
	require.Equal(t, feeAddr, benefit)
	fee, err := c.WithdrawalFeeAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, feeAddr, fee)

	_, err = c.SetBenefitAddress(ctx, feeAddr, nil)
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	_, err = c.Withdraw(ctx, to, EtherToWei(10), EtherToWei(1), nil)
	require.NoError(t, err)

	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	require.Equal(t, benefitAddr, *sent[0].To())
	wantBenefit, err := benefitAddressABI.Pack("setBenefitAddress", feeAddr)
	require.NoError(t, err)
	require.True(t, bytes.Equal(wantBenefit, sent[0].Data()))

	require.Equal(t, payoutAddr, *sent[1].To())
	require.Zero(t, EtherToWei(11).Cmp(sent[1].Value()), "value covers amount and fee")
	wantWithdraw, err := withdrawABI.Pack("withdraw", to, EtherToWei(10), EtherToWei(1))
	require.NoError(t, err)
	require.True(t, bytes.Equal(wantWithdraw, sent[1].Data()))
}

func TestPayoutContractsOptional(t *testing.T) {
	c, key := newTestContracts(t, newFakeChain(), Addresses{Credits: creditsAddr, NodeStaking: stakingAddr}, TxOption{})
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	_, err := c.BenefitAddress(ctx, key.Address())
	require.ErrorIs(t, err, ErrContractNotConfigured)
	_, err = c.Withdraw(ctx, key.Address(), big.NewInt(1), nil, nil)
	require.ErrorIs(t, err, ErrContractNotConfigured)
}

func TestEtherToWei(t *testing.T) {
	require.Equal(t, "400000000000000000000", EtherToWei(400).String())
	require.Equal(t, "0", EtherToWei(0).String())
}
