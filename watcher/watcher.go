// Package watcher implements the component named in SPEC_FULL §4.D: it
// drains the L1 block-event and L2 event channels produced by package
// sources and turns them into storage writes. It owns no RPC calls of its
// own beyond the L2 node's get_l1_batch_block_range lookup needed to turn
// a batch number into an L2 block range.
package watcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

// l1BatchSize/l1FlushInterval bound how long a resolved BlockEvent can sit
// unwritten: whichever limit is hit first triggers a flush (§4.D "L1
// loop").
const (
	l1BatchSize     = 1024
	l1FlushInterval = 5 * time.Second
)

// ErrUnhandledRevert is returned by the L1 loop when it observes a
// BlocksRevert log. Reorg recovery (undoing commit_l1_block, invalidating
// FinalizationData) is not implemented: the upstream protocol does not
// document the exact semantics a watcher should apply, so guessing at a
// fix would silently corrupt state (§9 Open Questions). The caller (cmd)
// decides whether that is fatal.
var ErrUnhandledRevert = errUnhandledRevert{}

type errUnhandledRevert struct{}

func (errUnhandledRevert) Error() string {
	return "watcher: BlocksRevert observed, no recovery path implemented"
}

// Meterer is the optional hook the standalone withdrawals meterer (package
// meterer) plugs into the L2 loop through: every flushed batch of
// withdrawals is reported, best-effort, alongside the storage write. A nil
// Meterer disables metering entirely (§4.D "supplemented").
type Meterer interface {
	MeterWithdrawals(ctx context.Context, withdrawals []eth.Withdrawal)
}

// Watcher is the stateful consumer of both event channels. It holds no
// cursor of its own: resumption is driven by storage.LastL1BlockSeen /
// storage.LastL2BlockSeen, read by whoever constructs the sources before
// Run is called.
type Watcher struct {
	storage storage.Storage
	l2      client.L2Read
	meterer Meterer
	log     log.Logger
}

func New(store storage.Storage, l2 client.L2Read, meterer Meterer, l log.Logger) *Watcher {
	return &Watcher{storage: store, l2: l2, meterer: meterer, log: l}
}

// Run races the L1 and L2 loops until either returns (ctx cancellation,
// ErrUnhandledRevert, or a storage error), canceling the other.
func (w *Watcher) Run(ctx context.Context, blockEvents <-chan eth.BlockEvent, l2Events <-chan eth.L2Event) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runL1Loop(ctx, blockEvents) })
	g.Go(func() error { return w.runL2Loop(ctx, l2Events) })
	return g.Wait()
}
