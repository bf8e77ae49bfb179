package watcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// fakeL2Read implements client.L2Read with only GetL1BatchBlockRange wired
// up; the l1 loop never calls anything else on it.
type fakeL2Read struct {
	ranges map[uint64]eth.BlockRange
}

var _ client.L2Read = (*fakeL2Read)(nil)

func (f *fakeL2Read) GetL1BatchBlockRange(_ context.Context, batch uint64) (eth.BlockRange, bool, error) {
	r, ok := f.ranges[batch]
	return r, ok, nil
}
func (f *fakeL2Read) FinalizeWithdrawalParams(context.Context, common.Hash, uint32) (client.L2WithdrawalParams, bool, error) {
	return client.L2WithdrawalParams{}, false, nil
}
func (f *fakeL2Read) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (f *fakeL2Read) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errors.New("unused")
}
func (f *fakeL2Read) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("unused")
}
func (f *fakeL2Read) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("unused")
}
func (f *fakeL2Read) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("unused")
}
func (f *fakeL2Read) ChainID(context.Context) (*big.Int, error)           { return nil, errors.New("unused") }
func (f *fakeL2Read) SuggestGasPrice(context.Context) (*big.Int, error)   { return nil, errors.New("unused") }
func (f *fakeL2Read) SuggestGasTipCap(context.Context) (*big.Int, error)  { return nil, errors.New("unused") }
func (f *fakeL2Read) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 0, errors.New("unused")
}
func (f *fakeL2Read) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("unused")
}
func (f *fakeL2Read) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("unused")
}

func TestL1LoopResolvesCommitAndExecution(t *testing.T) {
	store := &fullFakeStorage{}
	l2 := &fakeL2Read{ranges: map[uint64]eth.BlockRange{
		7: {Begin: 700, End: 799},
	}}
	w := New(store, l2, nil, testLogger())

	in := make(chan eth.BlockEvent, 4)
	in <- eth.BlockEvent{Kind: eth.BlockEventCommit, BatchNumber: 7, L1Block: 100}
	in <- eth.BlockEvent{Kind: eth.BlockEventExecution, BatchNumber: 7, L1Block: 101}
	close(in)

	require.NoError(t, w.runL1Loop(context.Background(), in))
	require.Equal(t, []eth.BlockRange{{Begin: 700, End: 799}}, store.committed)
	require.Equal(t, []eth.BlockRange{{Begin: 700, End: 799}}, store.executed)
}

func TestL1LoopResolvesVerificationRange(t *testing.T) {
	store := &fullFakeStorage{}
	l2 := &fakeL2Read{ranges: map[uint64]eth.BlockRange{
		5: {Begin: 500, End: 599},
		7: {Begin: 700, End: 799},
	}}
	w := New(store, l2, nil, testLogger())

	in := make(chan eth.BlockEvent, 4)
	in <- eth.BlockEvent{Kind: eth.BlockEventVerification, PreviousLastVerifiedBatch: 4, CurrentLastVerifiedBatch: 7, L1Block: 102}
	close(in)

	require.NoError(t, w.runL1Loop(context.Background(), in))
	require.Equal(t, []eth.BlockRange{{Begin: 500, End: 799}}, store.verified)
}

func TestL1LoopSkipsVerificationWhenRangeUnresolved(t *testing.T) {
	store := &fullFakeStorage{}
	l2 := &fakeL2Read{ranges: map[uint64]eth.BlockRange{
		5: {Begin: 500, End: 599},
		// batch 7's range not yet known to the L2 node.
	}}
	w := New(store, l2, nil, testLogger())

	in := make(chan eth.BlockEvent, 4)
	in <- eth.BlockEvent{Kind: eth.BlockEventVerification, PreviousLastVerifiedBatch: 4, CurrentLastVerifiedBatch: 7}
	close(in)

	require.NoError(t, w.runL1Loop(context.Background(), in))
	require.Empty(t, store.verified)
}

func TestL1LoopReturnsErrUnhandledRevertAndHaltsBatch(t *testing.T) {
	store := &fullFakeStorage{}
	l2 := &fakeL2Read{ranges: map[uint64]eth.BlockRange{7: {Begin: 700, End: 799}}}
	w := New(store, l2, nil, testLogger())

	in := make(chan eth.BlockEvent, 4)
	in <- eth.BlockEvent{Kind: eth.BlockEventCommit, BatchNumber: 7}
	in <- eth.BlockEvent{Kind: eth.BlockEventRevert, RevertedBatchNumber: 7}
	close(in)

	err := w.runL1Loop(context.Background(), in)
	require.ErrorIs(t, err, ErrUnhandledRevert)
	// The commit preceding the revert in the same flushed batch still lands.
	require.Equal(t, []eth.BlockRange{{Begin: 700, End: 799}}, store.committed)
}
