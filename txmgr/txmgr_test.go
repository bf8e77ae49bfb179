package txmgr

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

// fakeEthSign is a hand-written client.EthSign: it fills legacy or
// EIP-1559 fields depending on baseFee, signs with a no-op "signature"
// (returning the tx unchanged), and only reports a transaction mined once
// at least minedAfterSends submissions have gone out in total — letting a
// test force N-1 timeouts before the final retry succeeds.
type fakeEthSign struct {
	from    common.Address
	baseFee *big.Int // nil => legacy chain

	minedAfterSends int
	sent            []*types.Transaction
}

var _ client.EthSign = (*fakeEthSign)(nil)

func newFakeEthSign(baseFee *big.Int) *fakeEthSign {
	return &fakeEthSign{
		from:            common.HexToAddress("0xf00d"),
		baseFee:         baseFee,
		minedAfterSends: 1,
	}
}

func (f *fakeEthSign) From() common.Address { return f.from }
func (f *fakeEthSign) Signer() bind.SignerFn {
	return func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
		return tx, nil
	}
}
func (f *fakeEthSign) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeEthSign) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (f *fakeEthSign) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}
func (f *fakeEthSign) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeEthSign) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}
func (f *fakeEthSign) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if len(f.sent) >= f.minedAfterSends {
		return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful}, nil
	}
	return nil, ethereum.NotFound
}
func (f *fakeEthSign) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeEthSign) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeEthSign) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}
func (f *fakeEthSign) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 0, nil
}
func (f *fakeEthSign) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeEthSign) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func TestSendBuildsLegacyTxWithoutBaseFee(t *testing.T) {
	fake := newFakeEthSign(nil)
	s := New(fake, testLogger())

	candidate := Candidate{To: common.HexToAddress("0xbeef"), GasLimit: 100_000}
	_, err := s.Send(context.Background(), candidate, time.Second)
	require.NoError(t, err)

	require.Len(t, fake.sent, 1)
	require.Equal(t, types.LegacyTxType, fake.sent[0].Type())
	require.Equal(t, uint64(7), fake.sent[0].Nonce())
}

func TestSendBuildsDynamicFeeTxWithBaseFee(t *testing.T) {
	fake := newFakeEthSign(big.NewInt(50))
	s := New(fake, testLogger())

	candidate := Candidate{To: common.HexToAddress("0xbeef"), GasLimit: 100_000}
	_, err := s.Send(context.Background(), candidate, time.Second)
	require.NoError(t, err)

	require.Len(t, fake.sent, 1)
	tx := fake.sent[0]
	require.Equal(t, types.DynamicFeeTxType, tx.Type())
	require.Equal(t, big.NewInt(100_000_000), tx.GasTipCap())
	require.Equal(t, new(big.Int).Add(big.NewInt(100), big.NewInt(100_000_000)), tx.GasFeeCap())
}

func TestSendBumpsFeesAndResubmitsAtSameNonceOnTimeout(t *testing.T) {
	fake := newFakeEthSign(nil)
	fake.minedAfterSends = 2 // not mined until the bumped resubmit goes out
	s := New(fake, testLogger())

	candidate := Candidate{To: common.HexToAddress("0xbeef"), GasLimit: 100_000}
	// A zero retryTimeout means the deadline has already passed by the time
	// the first receipt poll returns, forcing an immediate bump-and-resubmit
	// instead of waiting out receiptPollInterval.
	_, err := s.Send(context.Background(), candidate, 0)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(fake.sent), 2)
	require.Equal(t, fake.sent[0].Nonce(), fake.sent[1].Nonce())
	require.Equal(t, new(big.Int).Add(big.NewInt(1_000_000_000), big.NewInt(150_000_000)), fake.sent[1].GasPrice())
}

func TestIncPercent(t *testing.T) {
	require.Equal(t, big.NewInt(15), incPercent(big.NewInt(100), 15))
}
