package watcher

import (
	"context"

	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// runL2Loop accumulates withdrawal events for the current L2 block and
// flushes them as soon as a strictly higher block number arrives, or the
// source signals a reconnect via L2EventRestartedFromBlock (§4.D "L2
// loop"). Token-initialization events are written immediately, never
// buffered, since they gate what the source itself will subscribe to next.
func (w *Watcher) runL2Loop(ctx context.Context, in <-chan eth.L2Event) error {
	var (
		currBlock uint64
		pending   []eth.L2Event
		haveBlock bool
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		withdrawals := assignEventIndices(pending)
		pending = pending[:0]
		if err := w.storage.AddWithdrawals(ctx, withdrawals); err != nil {
			return err
		}
		if w.meterer != nil {
			w.meterer.MeterWithdrawals(ctx, withdrawals)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-in:
			if !ok {
				return flush()
			}

			switch e.Kind {
			case eth.L2EventWithdrawal:
				if haveBlock && e.BlockNumber > currBlock {
					if err := flush(); err != nil {
						return err
					}
				}
				currBlock, haveBlock = e.BlockNumber, true
				pending = append(pending, e)

			case eth.L2EventTokenInitialized:
				if err := w.storage.AddToken(ctx, e.Token); err != nil {
					return err
				}

			case eth.L2EventRestartedFromBlock:
				if err := flush(); err != nil {
					return err
				}
				haveBlock = false
				w.log.Info("l2 source restarted", "from_block", e.RestartedFrom)
			}
		}
	}
}

// assignEventIndices groups buffered withdrawal events by transaction hash
// and assigns event_index_in_tx by enumerating each group in arrival
// order (§4.D), the disambiguator needed when one transaction burns
// multiple tokens in a single call.
func assignEventIndices(pending []eth.L2Event) []eth.Withdrawal {
	counts := make(map[eth.Hash]uint32, len(pending))
	withdrawals := make([]eth.Withdrawal, 0, len(pending))
	for _, e := range pending {
		idx := counts[e.TxHash]
		counts[e.TxHash] = idx + 1
		withdrawals = append(withdrawals, eth.Withdrawal{
			TxHash:        e.TxHash,
			EventIndex:    idx,
			L2BlockNumber: e.BlockNumber,
			TokenAddress:  e.TokenAddress,
			Amount:        e.Amount,
			L1Recipient:   e.L1Recipient,
		})
	}
	return withdrawals
}
