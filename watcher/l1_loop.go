package watcher

import (
	"context"
	"time"

	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// runL1Loop buffers incoming BlockEvent values until either l1BatchSize are
// pending or l1FlushInterval elapses since the last flush, then resolves
// and writes the whole batch at once (§4.D "L1 loop"). A closed channel
// flushes whatever remains and returns.
func (w *Watcher) runL1Loop(ctx context.Context, in <-chan eth.BlockEvent) error {
	timer := time.NewTimer(l1FlushInterval)
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l1FlushInterval)
	}

	batch := make([]eth.BlockEvent, 0, l1BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.processBlockEvents(ctx, batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-in:
			if !ok {
				return flush()
			}
			batch = append(batch, e)
			if len(batch) >= l1BatchSize {
				if err := flush(); err != nil {
					return err
				}
				resetTimer()
			}

		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(l1FlushInterval)
		}
	}
}

// processBlockEvents resolves every event in the batch to an L2 block
// range (where applicable) and writes it, in order. A single unresolvable
// Commit/Verification/Execution event is skipped rather than aborting the
// whole batch (only the Verification case logs a warning); a Revert aborts
// the loop (ErrUnhandledRevert).
func (w *Watcher) processBlockEvents(ctx context.Context, batch []eth.BlockEvent) error {
	for _, e := range batch {
		params, ok, err := w.requestBlockRanges(ctx, e)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		switch params.Kind {
		case eth.BlockRangesCommit:
			err = w.storage.CommittedNewBatch(ctx, params.Range.Begin, params.Range.End, params.L1Block)
		case eth.BlockRangesVerification:
			err = w.storage.VerifiedNewBatch(ctx, params.Range.Begin, params.Range.End, params.L1Block)
		case eth.BlockRangesExecution:
			err = w.storage.ExecutedNewBatch(ctx, params.Range.Begin, params.Range.End, params.L1Block)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// requestBlockRanges turns one BlockEvent into the L2 range it covers
// (§4.D). Commit/Execution map straight through get_l1_batch_block_range on
// their own batch number. Verification spans every batch newly verified
// since the last event: begin is the start of
// previous_last_verified_batch+1's range, end is the end of
// current_last_verified_batch's range. Revert has no range; it returns
// ErrUnhandledRevert instead of silently advancing past it (§9).
func (w *Watcher) requestBlockRanges(ctx context.Context, e eth.BlockEvent) (eth.BlockRangesParams, bool, error) {
	switch e.Kind {
	case eth.BlockEventCommit:
		r, ok, err := w.l2.GetL1BatchBlockRange(ctx, e.BatchNumber)
		if err != nil || !ok {
			return eth.BlockRangesParams{}, false, err
		}
		return eth.BlockRangesParams{Kind: eth.BlockRangesCommit, Range: r, L1Block: e.L1Block}, true, nil

	case eth.BlockEventExecution:
		r, ok, err := w.l2.GetL1BatchBlockRange(ctx, e.BatchNumber)
		if err != nil || !ok {
			return eth.BlockRangesParams{}, false, err
		}
		return eth.BlockRangesParams{Kind: eth.BlockRangesExecution, Range: r, L1Block: e.L1Block}, true, nil

	case eth.BlockEventVerification:
		begin, beginOK, err := w.l2.GetL1BatchBlockRange(ctx, e.PreviousLastVerifiedBatch+1)
		if err != nil {
			return eth.BlockRangesParams{}, false, err
		}
		end, endOK, err := w.l2.GetL1BatchBlockRange(ctx, e.CurrentLastVerifiedBatch)
		if err != nil {
			return eth.BlockRangesParams{}, false, err
		}
		if !beginOK || !endOK {
			w.log.Warn("verification range not yet resolvable, skipping",
				"previous_last_verified_batch", e.PreviousLastVerifiedBatch,
				"current_last_verified_batch", e.CurrentLastVerifiedBatch)
			return eth.BlockRangesParams{}, false, nil
		}
		r := eth.BlockRange{Begin: begin.Begin, End: end.End}
		if !r.Valid() {
			w.log.Warn("resolved verification range is empty, skipping", "range", r)
			return eth.BlockRangesParams{}, false, nil
		}
		return eth.BlockRangesParams{Kind: eth.BlockRangesVerification, Range: r, L1Block: e.L1Block}, true, nil

	case eth.BlockEventRevert:
		w.log.Error("observed BlocksRevert, halting l1 watcher loop",
			"reverted_batch_number", e.RevertedBatchNumber, "l1_block", e.L1Block)
		return eth.BlockRangesParams{}, false, ErrUnhandledRevert

	default:
		return eth.BlockRangesParams{}, false, nil
	}
}
