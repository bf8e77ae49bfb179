package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

type fakeStatusStorage struct {
	snap storage.StatusSnapshot
	err  error
}

var _ storage.Storage = (*fakeStatusStorage)(nil)

func (s *fakeStatusStorage) Status(context.Context) (storage.StatusSnapshot, error) {
	return s.snap, s.err
}

// The remaining methods of storage.Storage are unused by the HTTP adapter;
// they are wired up as no-ops purely to satisfy the interface.
func (s *fakeStatusStorage) AddWithdrawals(context.Context, []eth.Withdrawal) error          { return nil }
func (s *fakeStatusStorage) CommittedNewBatch(context.Context, uint64, uint64, uint64) error { return nil }
func (s *fakeStatusStorage) VerifiedNewBatch(context.Context, uint64, uint64, uint64) error  { return nil }
func (s *fakeStatusStorage) ExecutedNewBatch(context.Context, uint64, uint64, uint64) error  { return nil }
func (s *fakeStatusStorage) LastL2BlockSeen(context.Context) (uint64, bool, error)           { return 0, false, nil }
func (s *fakeStatusStorage) LastL1BlockSeen(context.Context) (uint64, bool, error)           { return 0, false, nil }
func (s *fakeStatusStorage) LastL2ToL1EventsBlockSeen(context.Context) (uint64, bool, error) {
	return 0, false, nil
}
func (s *fakeStatusStorage) GetWithdrawalsWithNoData(context.Context, int) ([]storage.WithdrawalRef, error) {
	return nil, nil
}
func (s *fakeStatusStorage) AddWithdrawalsData(context.Context, []storage.WithdrawalDataInsert) error {
	return nil
}
func (s *fakeStatusStorage) WithdrawalsToFinalize(context.Context, int) ([]client.FinalizeRequest, error) {
	return nil, nil
}
func (s *fakeStatusStorage) FinalizationDataSetFinalizedInTx(context.Context, []eth.WithdrawalKey, eth.Hash) error {
	return nil
}
func (s *fakeStatusStorage) IncUnsuccessfulFinalizationAttempts(context.Context, []eth.WithdrawalKey) error {
	return nil
}
func (s *fakeStatusStorage) AddToken(context.Context, eth.Token) error { return nil }
func (s *fakeStatusStorage) GetTokens(context.Context) ([]eth.Token, uint64, error) {
	return nil, 1, nil
}
func (s *fakeStatusStorage) TokenDecimalsAndL1Address(context.Context, eth.Address) (uint8, eth.Address, bool, error) {
	return 0, eth.Address{}, false, nil
}
func (s *fakeStatusStorage) AddL2ToL1Events(context.Context, []eth.L2ToL1Event) error { return nil }

func TestHealthReturnsOK(t *testing.T) {
	r := New(&fakeStatusStorage{}, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestStatusReturnsSnapshotAsJSON(t *testing.T) {
	store := &fakeStatusStorage{snap: storage.StatusSnapshot{
		LastL2BlockSeen:      100,
		LastL1BlockSeen:      200,
		PendingFinalizations: 3,
		FinalizedCount:       7,
	}}
	r := New(store, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, uint64(100), body.LastL2BlockSeen)
	require.Equal(t, uint64(3), body.PendingFinalizations)
	require.Equal(t, uint64(7), body.FinalizedCount)
}

func TestStatusPropagatesStorageError(t *testing.T) {
	r := New(&fakeStatusStorage{err: context.DeadlineExceeded}, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	counter.Inc()
	reg.MustRegister(counter)

	r := New(&fakeStatusStorage{}, reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test_total")
}
