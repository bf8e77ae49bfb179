// Package client defines the capability interfaces named in SPEC_FULL §9
// (EthRead, EthSign, L2Read) plus the concrete, caching RPC wrapper every
// task is built against. Each task takes exactly the capabilities it
// needs; tests supply fakes rather than a mock RPC server.
package client

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	ourEth "github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// EthRead is the read-only subset of an RPC endpoint used by the block
// sources (§4.B/§4.C) and the finalizer's dry-run/reconciliation calls
// (§4.G). It is intentionally narrow: nothing in this interface can mutate
// chain state.
type EthRead interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	// CallContract is used for the dry-run prediction call (§4.G step 2a).
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthSign extends EthRead with the ability to submit signed transactions,
// the capability the fee-bumping sender (§4.H) is built against.
type EthSign interface {
	EthRead

	From() common.Address
	Signer() bind.SignerFn
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// L2Read is the L2 node's RPC surface beyond plain chain reads: the
// zkSync-style proof/batch-range calls named in §6.
type L2Read interface {
	EthRead

	// GetL1BatchBlockRange resolves an L1 batch number to its L2 block
	// range (§4.D); ok is false when the node does not yet know the range.
	GetL1BatchBlockRange(ctx context.Context, batchNumber uint64) (r ourEth.BlockRange, ok bool, err error)

	// FinalizeWithdrawalParams returns the inclusion proof/message/indices
	// needed to finalize a withdrawal, or ok=false if the L2 node does not
	// have them yet (§4.E).
	FinalizeWithdrawalParams(ctx context.Context, txHash common.Hash, eventIndexInTx uint32) (params L2WithdrawalParams, ok bool, err error)
}

// L2WithdrawalParams is the raw proof bundle returned by the L2 node,
// before it is attached to a Withdrawal id and persisted as
// eth.FinalizationData.
type L2WithdrawalParams struct {
	L1BatchNumber     uint64
	L2MessageIndex    uint64
	L2TxNumberInBlock uint32
	Message           []byte
	Sender            common.Address
	Proof             []byte
}

// FinalizerContract is the on-chain finalizer/bridge capability used by the
// finalizer loop (§4.G) and the params fetcher's already-finalized check
// (§4.E step 3).
type FinalizerContract interface {
	// DryRunFinalizeWithdrawals is the read-only call used to predict
	// success/gas for a candidate batch (§4.G step 2a).
	DryRunFinalizeWithdrawals(ctx context.Context, reqs []FinalizeRequest) ([]DryRunResult, error)

	// FinalizeWithdrawals submits the batched finalization transaction
	// through the fee-bumping sender (§4.G step 2b, §4.H) and blocks until
	// it is mined, returning the hash of whichever submission attempt
	// succeeded.
	FinalizeWithdrawals(ctx context.Context, reqs []FinalizeRequest) (common.Hash, error)

	IsEthWithdrawalFinalized(ctx context.Context, l1BatchNumber, l2MessageIndex uint64) (bool, error)
	IsWithdrawalFinalized(ctx context.Context, l1BatchNumber, l2MessageIndex uint64) (bool, error)
}

// FinalizeRequest is one entry of a batched finalize_withdrawals call.
type FinalizeRequest struct {
	Withdrawal ourEth.Withdrawal
	Data       ourEth.FinalizationData
}

// Key returns the (l2_block_number, l2_message_index) pair used to key
// dry-run results and reconciliation (§4.F.remove_unsuccessful, §4.G.3).
func (r FinalizeRequest) Key() (uint64, uint64) {
	return r.Withdrawal.L2BlockNumber, r.Data.L2MessageIndex
}

// DryRunResult is one element of the dry-run response (§4.G step 2a).
type DryRunResult struct {
	L2BlockNumber  uint64
	L2MessageIndex uint64
	Success        bool
	Gas            uint64
}
