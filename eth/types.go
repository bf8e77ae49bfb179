// Package eth holds the data model shared by every component of the
// withdrawal finalizer: the chain-level aliases, the withdrawal lifecycle
// entities, and the event sum types produced by the L1/L2 sources.
package eth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type (
	Address = common.Address
	Hash    = common.Hash
)

// ZeroHash is the finalization_tx sentinel meaning "known finalized but tx
// unknown" (§9). Callers must treat it specially when reporting status.
var ZeroHash = Hash{}

// BlockLabel names a well-known block tag understood by the upstream RPC
// ("latest", "safe", ...).
type BlockLabel string

const (
	Latest BlockLabel = "latest"
)

// WithdrawalKey identifies a withdrawal without needing its storage-assigned
// id: the uniqueness constraint named in §3, and the composite key used by
// the bulk update operations in §4.A.
type WithdrawalKey struct {
	TxHash        Hash
	EventIndex    uint32
}

// Withdrawal is immutable once inserted (§3). Id is assigned by storage on
// insertion and is zero for a not-yet-persisted value.
type Withdrawal struct {
	ID            uint64
	TxHash        Hash
	EventIndex    uint32 // event_index_in_tx, disambiguator within a transaction
	L2BlockNumber uint64
	TokenAddress  Address
	Amount        *uint256.Int
	L1Recipient   Address // supplemented field, see SPEC_FULL §3.1
}

func (w Withdrawal) Key() WithdrawalKey {
	return WithdrawalKey{TxHash: w.TxHash, EventIndex: w.EventIndex}
}

// L2Block carries the three nullable L1 lifecycle block numbers for a given
// L2 block (§3). A nil pointer means "not yet observed"; once set a field is
// never cleared except by explicit revert handling (not implemented, §9).
type L2Block struct {
	L2BlockNumber   uint64
	CommitL1Block   *uint64
	VerifyL1Block   *uint64
	ExecuteL1Block  *uint64
}

// FinalizationData is the inclusion proof bundle fetched for a withdrawal
// once its batch is committed (§3, component E).
type FinalizationData struct {
	WithdrawalID               uint64
	L1BatchNumber              uint64
	L2MessageIndex             uint64
	L2TxNumberInBlock          uint32
	Message                    []byte
	Sender                     Address
	Proof                      []byte
	FinalizationTx             *Hash // nil = not yet finalized; ZeroHash = finalized, tx unknown
	FailedFinalizationAttempts uint8
}

// ReadyForFinalization reports whether the withdrawal should still be
// considered by the finalizer loop: no submitted/observed tx, and the
// attempt cap (3, §3/§7) has not been reached.
func (f FinalizationData) ReadyForFinalization() bool {
	return f.FinalizationTx == nil && f.FailedFinalizationAttempts < MaxFinalizationAttempts
}

// MaxFinalizationAttempts caps failed_finalization_attempts (§3, §7).
const MaxFinalizationAttempts = 3

// Token is the L1<->L2 token registry entry (§3).
type Token struct {
	L1Address     Address
	L2Address     Address
	Name          string
	Symbol        string
	Decimals      uint8
	L2BlockNumber uint64
	InitTxHash    Hash
	// IsNative flags the three well-known system addresses seeded at
	// startup (§4.C) so they are never mistaken for bridged ERC-20s.
	IsNative bool
}

// L2ToL1Event is a historical cross-domain message parsed from L1 commit
// calldata (§3).
type L2ToL1Event struct {
	L1BlockNumber    uint64
	L2BlockNumber    uint64
	TxNumberInBlock  uint32
	Sender           Address
	Data             []byte
}

func (e L2ToL1Event) Key() (uint64, uint64, uint32) {
	return e.L1BlockNumber, e.L2BlockNumber, e.TxNumberInBlock
}

// BlockRange is an inclusive [Begin, End] range of L2 block numbers, e.g.
// the result of get_l1_batch_block_range (§6).
type BlockRange struct {
	Begin uint64
	End   uint64
}

// Valid reports whether the range satisfies begin <= end (§4.A).
func (r BlockRange) Valid() bool {
	return r.Begin <= r.End
}

// bigFromUint256 is a small helper used where upstream RPC/ABI bindings
// hand back *big.Int but storage/business logic works in uint256, matching
// the amount representation chosen in SPEC_FULL §2.2.
func bigFromUint256(v *uint256.Int) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToBig()
}
