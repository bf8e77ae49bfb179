package eth

import "github.com/holiman/uint256"

// BlockEventKind discriminates the closed BlockEvent union emitted by the
// L1 block-event source (component B, §4.B). Exhaustiveness over this set
// is a testable property (§9).
type BlockEventKind uint8

const (
	BlockEventCommit BlockEventKind = iota
	BlockEventVerification
	BlockEventExecution
	BlockEventRevert
)

func (k BlockEventKind) String() string {
	switch k {
	case BlockEventCommit:
		return "commit"
	case BlockEventVerification:
		return "verification"
	case BlockEventExecution:
		return "execution"
	case BlockEventRevert:
		return "revert"
	default:
		return "unknown"
	}
}

// BlockEvent is the closed discriminated union over the four L1 rollup
// lifecycle logs named in §4.B. Only the fields relevant to Kind are set;
// callers must switch on Kind, never infer it from which fields are zero.
type BlockEvent struct {
	Kind       BlockEventKind
	L1Block    uint64
	L1TxHash   Hash

	// BlockEventCommit / BlockEventExecution
	BatchNumber uint64

	// BlockEventVerification
	PreviousLastVerifiedBatch uint64
	CurrentLastVerifiedBatch  uint64

	// BlockEventRevert
	RevertedBatchNumber uint64
}

// L2EventKind discriminates the closed L2Event union emitted by the L2
// event source (component C, §4.C).
type L2EventKind uint8

const (
	L2EventWithdrawal L2EventKind = iota
	L2EventTokenInitialized
	// L2EventRestartedFromBlock is the RestartedFromBlock sentinel (§4.D):
	// emitted when the L2 source reconnects, to force a watcher flush even
	// without a block-number change so in-flight events are not lost
	// across a restart-and-replay.
	L2EventRestartedFromBlock
)

func (k L2EventKind) String() string {
	switch k {
	case L2EventWithdrawal:
		return "withdrawal"
	case L2EventTokenInitialized:
		return "token_initialized"
	case L2EventRestartedFromBlock:
		return "restarted_from_block"
	default:
		return "unknown"
	}
}

// L2Event is the closed discriminated union over withdrawal/burn events,
// token-initialization events, and the restart sentinel.
type L2Event struct {
	Kind        L2EventKind
	BlockNumber uint64

	// L2EventWithdrawal
	TxHash       Hash
	TokenAddress Address
	Amount       *uint256.Int
	L1Recipient  Address

	// L2EventTokenInitialized
	Token Token

	// L2EventRestartedFromBlock carries the cursor the source resumed
	// from, so the watcher can log it.
	RestartedFrom uint64
}

// BlockRangesKind discriminates the closed union describing how a batch
// number resolved (or failed to resolve) to an L2 block range (§4.D).
type BlockRangesKind uint8

const (
	BlockRangesCommit BlockRangesKind = iota
	BlockRangesVerification
	BlockRangesExecution
)

// BlockRangesParams bundles a resolved L1 event with the L2 range it maps
// to, ready for the storage range-update call (committed_new_batch /
// verified_new_batch / executed_new_batch).
type BlockRangesParams struct {
	Kind    BlockRangesKind
	Range   BlockRange
	L1Block uint64
}
