// Package storage is the relational store named in SPEC_FULL §4.A: it owns
// every row in the system (§3 "Ownership") and exposes the idempotent
// operation set the rest of the core is built against. Callers never see
// SQL; they see Go types and bulk operations that chunk internally.
package storage

import (
	"context"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// WithdrawalRef is the result row of get_withdrawals_with_no_data: just
// enough to drive a finalize_withdrawal_params call (§4.E).
type WithdrawalRef struct {
	ID            uint64
	Key           eth.WithdrawalKey
	L2BlockNumber uint64
}

// WithdrawalDataInsert bundles a withdrawal id with the proof bundle the
// params fetcher obtained for it (§4.E step 4, add_withdrawals_data).
type WithdrawalDataInsert struct {
	WithdrawalID uint64
	Data         eth.FinalizationData
}

// Storage is the full operation set of §4.A. Every bulk method accepts
// arbitrarily long slices and chunks internally; every method is safe to
// call repeatedly with identical arguments (idempotence, §8).
type Storage interface {
	// AddWithdrawals is a conditional bulk upsert keyed on
	// (tx_hash, event_index_in_tx); conflicts are no-ops.
	AddWithdrawals(ctx context.Context, withdrawals []eth.Withdrawal) error

	// CommittedNewBatch/VerifiedNewBatch/ExecutedNewBatch upsert the
	// matching L2Block column for every l2_block_number in the inclusive
	// [begin, end] range, atomically, overwriting any earlier value with
	// the latest observed L1 block (§4.A).
	CommittedNewBatch(ctx context.Context, begin, end, l1Block uint64) error
	VerifiedNewBatch(ctx context.Context, begin, end, l1Block uint64) error
	ExecutedNewBatch(ctx context.Context, begin, end, l1Block uint64) error

	// LastL2BlockSeen/LastL1BlockSeen/LastL2ToL1EventsBlockSeen are the
	// resumption cursors (§4.A); ok is false when the table is empty.
	LastL2BlockSeen(ctx context.Context) (n uint64, ok bool, err error)
	LastL1BlockSeen(ctx context.Context) (n uint64, ok bool, err error)
	LastL2ToL1EventsBlockSeen(ctx context.Context) (n uint64, ok bool, err error)

	// GetWithdrawalsWithNoData returns withdrawals whose batch is
	// committed but which have no FinalizationData row yet, ordered by
	// l2_block_number, up to limit (§4.A).
	GetWithdrawalsWithNoData(ctx context.Context, limit int) ([]WithdrawalRef, error)

	// AddWithdrawalsData bulk-inserts FinalizationData; conflict on
	// withdrawal_id is a no-op (§4.A).
	AddWithdrawalsData(ctx context.Context, inserts []WithdrawalDataInsert) error

	// WithdrawalsToFinalize returns withdrawals joined with
	// FinalizationData where finalization_tx is null and
	// failed_finalization_attempts < eth.MaxFinalizationAttempts, ordered
	// by l2_block_number, up to limit (§4.A).
	WithdrawalsToFinalize(ctx context.Context, limit int) ([]client.FinalizeRequest, error)

	// FinalizationDataSetFinalizedInTx bulk-sets finalization_tx for every
	// key, keyed by (tx_hash, event_index_in_tx) (§4.A).
	FinalizationDataSetFinalizedInTx(ctx context.Context, keys []eth.WithdrawalKey, txHash eth.Hash) error

	// IncUnsuccessfulFinalizationAttempts bulk-increments
	// failed_finalization_attempts for every key (§4.A).
	IncUnsuccessfulFinalizationAttempts(ctx context.Context, keys []eth.WithdrawalKey) error

	// AddToken inserts a token registry entry; conflict on
	// (l1_address, l2_address) is a no-op (§4.A).
	AddToken(ctx context.Context, token eth.Token) error

	// GetTokens returns every known L2 token address plus the highest
	// l2_block_number seen in the registry (defaulting to 1 when empty, so
	// token discovery backfill has a sane starting point).
	GetTokens(ctx context.Context) (tokens []eth.Token, lastL2BlockSeen uint64, err error)

	// TokenDecimalsAndL1Address looks up a token by its L2 address.
	TokenDecimalsAndL1Address(ctx context.Context, l2Address eth.Address) (decimals uint8, l1Address eth.Address, ok bool, err error)

	// AddL2ToL1Events bulk-inserts historical cross-domain messages;
	// conflict on the composite key is a no-op (§4.A).
	AddL2ToL1Events(ctx context.Context, events []eth.L2ToL1Event) error

	// Status reports the cursors and pending/finalized counts the
	// read-only /status endpoint serves straight from storage (§6).
	Status(ctx context.Context) (StatusSnapshot, error)
}

// StatusSnapshot is the read model behind api/'s /status handler: the
// resumption cursors plus how many withdrawals are still waiting on a
// finalization transaction versus already have one (§6).
type StatusSnapshot struct {
	LastL2BlockSeen           uint64
	LastL1BlockSeen           uint64
	LastL2ToL1EventsBlockSeen uint64
	PendingFinalizations      uint64
	FinalizedCount            uint64
}
