package paramsfetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/sources"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

type stubStorage struct {
	refs             []storage.WithdrawalRef
	addedData        []storage.WithdrawalDataInsert
	setFinalizedKeys []eth.WithdrawalKey
}

var _ storage.Storage = (*stubStorage)(nil)

func (s *stubStorage) GetWithdrawalsWithNoData(context.Context, int) ([]storage.WithdrawalRef, error) {
	refs := s.refs
	s.refs = nil
	return refs, nil
}
func (s *stubStorage) AddWithdrawalsData(_ context.Context, inserts []storage.WithdrawalDataInsert) error {
	s.addedData = append(s.addedData, inserts...)
	return nil
}
func (s *stubStorage) FinalizationDataSetFinalizedInTx(_ context.Context, keys []eth.WithdrawalKey, _ eth.Hash) error {
	s.setFinalizedKeys = append(s.setFinalizedKeys, keys...)
	return nil
}

// The remaining methods of storage.Storage are unused by paramsfetcher;
// they are wired up as no-ops purely to satisfy the interface.
func (s *stubStorage) AddWithdrawals(context.Context, []eth.Withdrawal) error        { return nil }
func (s *stubStorage) CommittedNewBatch(context.Context, uint64, uint64, uint64) error { return nil }
func (s *stubStorage) VerifiedNewBatch(context.Context, uint64, uint64, uint64) error  { return nil }
func (s *stubStorage) ExecutedNewBatch(context.Context, uint64, uint64, uint64) error  { return nil }
func (s *stubStorage) LastL2BlockSeen(context.Context) (uint64, bool, error)           { return 0, false, nil }
func (s *stubStorage) LastL1BlockSeen(context.Context) (uint64, bool, error)           { return 0, false, nil }
func (s *stubStorage) LastL2ToL1EventsBlockSeen(context.Context) (uint64, bool, error) {
	return 0, false, nil
}
func (s *stubStorage) WithdrawalsToFinalize(context.Context, int) ([]client.FinalizeRequest, error) {
	return nil, nil
}
func (s *stubStorage) IncUnsuccessfulFinalizationAttempts(context.Context, []eth.WithdrawalKey) error {
	return nil
}
func (s *stubStorage) AddToken(context.Context, eth.Token) error         { return nil }
func (s *stubStorage) GetTokens(context.Context) ([]eth.Token, uint64, error) { return nil, 1, nil }
func (s *stubStorage) TokenDecimalsAndL1Address(context.Context, eth.Address) (uint8, eth.Address, bool, error) {
	return 0, eth.Address{}, false, nil
}
func (s *stubStorage) AddL2ToL1Events(context.Context, []eth.L2ToL1Event) error { return nil }
func (s *stubStorage) Status(context.Context) (storage.StatusSnapshot, error) {
	return storage.StatusSnapshot{}, nil
}

type stubL2Read struct {
	params map[common.Hash]client.L2WithdrawalParams
	errs   map[common.Hash]error
}

var _ client.L2Read = (*stubL2Read)(nil)

func (s *stubL2Read) FinalizeWithdrawalParams(_ context.Context, txHash common.Hash, _ uint32) (client.L2WithdrawalParams, bool, error) {
	if err, ok := s.errs[txHash]; ok {
		return client.L2WithdrawalParams{}, false, err
	}
	p, ok := s.params[txHash]
	return p, ok, nil
}
func (s *stubL2Read) GetL1BatchBlockRange(context.Context, uint64) (eth.BlockRange, bool, error) {
	return eth.BlockRange{}, false, nil
}
func (s *stubL2Read) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (s *stubL2Read) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, nil
}
func (s *stubL2Read) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (s *stubL2Read) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}
func (s *stubL2Read) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (s *stubL2Read) ChainID(context.Context) (*big.Int, error)          { return nil, nil }
func (s *stubL2Read) SuggestGasPrice(context.Context) (*big.Int, error)  { return nil, nil }
func (s *stubL2Read) SuggestGasTipCap(context.Context) (*big.Int, error) { return nil, nil }
func (s *stubL2Read) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 0, nil
}
func (s *stubL2Read) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (s *stubL2Read) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

var _ client.FinalizerContract = (*stubFinalizerContract)(nil)

type stubFinalizerContract struct {
	ethFinalized, tokenFinalized map[[2]uint64]bool
}

func (s *stubFinalizerContract) DryRunFinalizeWithdrawals(context.Context, []client.FinalizeRequest) ([]client.DryRunResult, error) {
	return nil, nil
}
func (s *stubFinalizerContract) FinalizeWithdrawals(context.Context, []client.FinalizeRequest) (common.Hash, error) {
	return common.Hash{}, nil
}
func (s *stubFinalizerContract) IsEthWithdrawalFinalized(_ context.Context, l1BatchNumber, l2MessageIndex uint64) (bool, error) {
	return s.ethFinalized[[2]uint64{l1BatchNumber, l2MessageIndex}], nil
}
func (s *stubFinalizerContract) IsWithdrawalFinalized(_ context.Context, l1BatchNumber, l2MessageIndex uint64) (bool, error) {
	return s.tokenFinalized[[2]uint64{l1BatchNumber, l2MessageIndex}], nil
}

func TestLoopIterationWritesFetchedParams(t *testing.T) {
	txA := common.HexToHash("0xaa")
	key := eth.WithdrawalKey{TxHash: txA, EventIndex: 0}

	store := &stubStorage{refs: []storage.WithdrawalRef{{ID: 1, Key: key, L2BlockNumber: 10}}}
	l2 := &stubL2Read{params: map[common.Hash]client.L2WithdrawalParams{
		txA: {L1BatchNumber: 5, L2MessageIndex: 2, Sender: sources.L2NativeTokenContract},
	}}
	finalizer := &stubFinalizerContract{ethFinalized: map[[2]uint64]bool{}}

	f := &Fetcher{storage: store, l2: l2, finalizer: finalizer, log: testLogger()}
	require.NoError(t, f.loopIteration(context.Background()))

	require.Len(t, store.addedData, 1)
	require.Equal(t, uint64(1), store.addedData[0].WithdrawalID)
	require.Equal(t, uint64(5), store.addedData[0].Data.L1BatchNumber)
	require.Empty(t, store.setFinalizedKeys)
}

func TestLoopIterationMarksAlreadyFinalized(t *testing.T) {
	txA := common.HexToHash("0xaa")
	key := eth.WithdrawalKey{TxHash: txA, EventIndex: 0}

	store := &stubStorage{refs: []storage.WithdrawalRef{{ID: 1, Key: key, L2BlockNumber: 10}}}
	l2 := &stubL2Read{params: map[common.Hash]client.L2WithdrawalParams{
		txA: {L1BatchNumber: 5, L2MessageIndex: 2, Sender: sources.L2NativeTokenContract},
	}}
	finalizer := &stubFinalizerContract{ethFinalized: map[[2]uint64]bool{{5, 2}: true}}

	f := &Fetcher{storage: store, l2: l2, finalizer: finalizer, log: testLogger()}
	require.NoError(t, f.loopIteration(context.Background()))

	require.Equal(t, []eth.WithdrawalKey{key}, store.setFinalizedKeys)
}

func TestLoopIterationSkipsNotYetAvailableParams(t *testing.T) {
	txA := common.HexToHash("0xaa")
	key := eth.WithdrawalKey{TxHash: txA, EventIndex: 0}

	store := &stubStorage{refs: []storage.WithdrawalRef{{ID: 1, Key: key, L2BlockNumber: 10}}}
	l2 := &stubL2Read{params: map[common.Hash]client.L2WithdrawalParams{}}
	finalizer := &stubFinalizerContract{}

	f := &Fetcher{storage: store, l2: l2, finalizer: finalizer, log: testLogger()}
	require.NoError(t, f.loopIteration(context.Background()))
	require.Empty(t, store.addedData)
}

func TestIsEthSenderDistinguishesNativeToken(t *testing.T) {
	require.True(t, isEthSender(sources.L2NativeTokenContract))
	require.False(t, isEthSender(common.HexToAddress("0xdead")))
}

// TestFetchParamsAggregatesErrorsWithoutLosingGoodResults drives fetchParams
// with a mix of failing and succeeding refs fanned out across the full
// fetchConcurrency width, so every goroutine writes to its own slot of the
// per-index error slice rather than a single shared variable: a failed
// fetch for one withdrawal must not drop the params successfully fetched
// for another, and every failure must surface in the aggregated error.
func TestFetchParamsAggregatesErrorsWithoutLosingGoodResults(t *testing.T) {
	const n = fetchConcurrency * 2
	refs := make([]storage.WithdrawalRef, n)
	params := map[common.Hash]client.L2WithdrawalParams{}
	errs := map[common.Hash]error{}

	for i := 0; i < n; i++ {
		tx := common.BigToHash(big.NewInt(int64(i)))
		refs[i] = storage.WithdrawalRef{ID: uint64(i), Key: eth.WithdrawalKey{TxHash: tx, EventIndex: 0}}
		if i%2 == 0 {
			errs[tx] = errors.New("rpc failure")
		} else {
			params[tx] = client.L2WithdrawalParams{L1BatchNumber: uint64(i)}
		}
	}

	f := &Fetcher{l2: &stubL2Read{params: params, errs: errs}, log: testLogger()}
	fetched, err := f.fetchParams(context.Background(), refs)

	require.Error(t, err)
	require.Len(t, fetched, n/2)
	for _, fr := range fetched {
		require.NotZero(t, fr.insert.Data.L1BatchNumber)
	}
}
