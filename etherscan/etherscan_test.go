package etherscan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

type fakeStorageFull struct {
	added []eth.L2ToL1Event
}

var _ storage.Storage = (*fakeStorageFull)(nil)

func (s *fakeStorageFull) AddL2ToL1Events(_ context.Context, events []eth.L2ToL1Event) error {
	s.added = append(s.added, events...)
	return nil
}

// The remaining methods of storage.Storage are unused by this client;
// they are wired up as no-ops purely to satisfy the interface.
func (s *fakeStorageFull) AddWithdrawals(context.Context, []eth.Withdrawal) error          { return nil }
func (s *fakeStorageFull) CommittedNewBatch(context.Context, uint64, uint64, uint64) error { return nil }
func (s *fakeStorageFull) VerifiedNewBatch(context.Context, uint64, uint64, uint64) error  { return nil }
func (s *fakeStorageFull) ExecutedNewBatch(context.Context, uint64, uint64, uint64) error  { return nil }
func (s *fakeStorageFull) LastL2BlockSeen(context.Context) (uint64, bool, error)           { return 0, false, nil }
func (s *fakeStorageFull) LastL1BlockSeen(context.Context) (uint64, bool, error)           { return 0, false, nil }
func (s *fakeStorageFull) LastL2ToL1EventsBlockSeen(context.Context) (uint64, bool, error) {
	return 0, false, nil
}
func (s *fakeStorageFull) GetWithdrawalsWithNoData(context.Context, int) ([]storage.WithdrawalRef, error) {
	return nil, nil
}
func (s *fakeStorageFull) AddWithdrawalsData(context.Context, []storage.WithdrawalDataInsert) error {
	return nil
}
func (s *fakeStorageFull) WithdrawalsToFinalize(context.Context, int) ([]client.FinalizeRequest, error) {
	return nil, nil
}
func (s *fakeStorageFull) FinalizationDataSetFinalizedInTx(context.Context, []eth.WithdrawalKey, eth.Hash) error {
	return nil
}
func (s *fakeStorageFull) IncUnsuccessfulFinalizationAttempts(context.Context, []eth.WithdrawalKey) error {
	return nil
}
func (s *fakeStorageFull) AddToken(context.Context, eth.Token) error { return nil }
func (s *fakeStorageFull) GetTokens(context.Context) ([]eth.Token, uint64, error) { return nil, 1, nil }
func (s *fakeStorageFull) TokenDecimalsAndL1Address(context.Context, eth.Address) (uint8, eth.Address, bool, error) {
	return 0, eth.Address{}, false, nil
}
func (s *fakeStorageFull) Status(context.Context) (storage.StatusSnapshot, error) {
	return storage.StatusSnapshot{}, nil
}

type testDecoder struct {
	want common.Address
}

func (d *testDecoder) DecodeL2ToL1Events(to eth.Address, input []byte, l1BlockNumber uint64) ([]eth.L2ToL1Event, bool) {
	if to != d.want {
		return nil, false
	}
	return []eth.L2ToL1Event{{L1BlockNumber: l1BlockNumber, Sender: to, Data: input}}, true
}

func TestQueryBlockRangeDecodesAndPersistsEvents(t *testing.T) {
	contractAddr := common.HexToAddress("0xbeef")
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		if page == "1" {
			_ = json.NewEncoder(w).Encode(etherscanResponse{
				Status: "1",
				Result: []etherscanTx{
					{BlockNumber: "100", Hash: "0x1", To: contractAddr.Hex(), Input: "0xaabbcc"},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(etherscanResponse{Status: "0", Message: "No transactions found"})
	}))
	defer server.Close()

	store := &fakeStorageFull{}
	c := New(server.URL, "test-key", common.HexToAddress("0xdead"), &testDecoder{want: contractAddr}, store, testLogger())

	require.NoError(t, c.queryBlockRange(context.Background(), 0, 200))
	require.Equal(t, 2, calls)
	require.Len(t, store.added, 1)
	require.Equal(t, uint64(100), store.added[0].L1BlockNumber)
}

func TestQueryBlockRangeSkipsNonMatchingTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "1" {
			_ = json.NewEncoder(w).Encode(etherscanResponse{
				Status: "1",
				Result: []etherscanTx{
					{BlockNumber: "100", Hash: "0x1", To: common.HexToAddress("0xother").Hex(), Input: "0xaabbcc"},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(etherscanResponse{Status: "0"})
	}))
	defer server.Close()

	store := &fakeStorageFull{}
	c := New(server.URL, "test-key", common.HexToAddress("0xdead"), &testDecoder{want: common.HexToAddress("0xbeef")}, store, testLogger())

	require.NoError(t, c.queryBlockRange(context.Background(), 0, 200))
	require.Empty(t, store.added)
}

func TestDecodeHexInputTrimsPrefix(t *testing.T) {
	b, err := decodeHexInput("0xaabbcc")
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb, 0xcc}, b)

	b, err = decodeHexInput("aabbcc")
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb, 0xcc}, b)
}
