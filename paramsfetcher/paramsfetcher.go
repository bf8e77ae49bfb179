// Package paramsfetcher implements component E (§4.E): it continuously
// looks for withdrawals the watcher has seen but that have no inclusion
// proof yet, fetches that proof from the L2 node in parallel, and records
// it (or, if the withdrawal turns out to already be finalized, records
// that instead).
package paramsfetcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	hashmultierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/sources"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

const (
	// queryPaginationLimit bounds how many not-yet-fetched withdrawals a
	// single iteration asks storage for (§4.E step 1).
	queryPaginationLimit = 1000

	// noNewWithdrawalsBackoff is how long an empty iteration sleeps
	// before asking storage again (§4.E, §7).
	noNewWithdrawalsBackoff = 5 * time.Second

	// loopIterationErrorBackoff is how long a failed iteration sleeps
	// before retrying (§7 "loop iteration backoff").
	loopIterationErrorBackoff = 5 * time.Second

	// fetchConcurrency bounds the parallel fan-out of
	// finalize_withdrawal_params calls against the L2 node (§4.E step 2).
	fetchConcurrency = 16
)

// Fetcher is the stateless worker driving component E; all state lives in
// storage.
type Fetcher struct {
	storage   storage.Storage
	l2        client.L2Read
	finalizer client.FinalizerContract
	log       log.Logger
}

func New(store storage.Storage, l2 client.L2Read, finalizer client.FinalizerContract, l log.Logger) *Fetcher {
	return &Fetcher{storage: store, l2: l2, finalizer: finalizer, log: l}
}

// Run loops forever, sleeping loopIterationErrorBackoff after a failed
// iteration rather than tearing down the whole finalizer (§7).
func (f *Fetcher) Run(ctx context.Context) error {
	for {
		if err := f.loopIteration(ctx); err != nil {
			f.log.Error("params fetcher iteration failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(loopIterationErrorBackoff):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (f *Fetcher) loopIteration(ctx context.Context) error {
	refs, err := f.storage.GetWithdrawalsWithNoData(ctx, queryPaginationLimit)
	if err != nil {
		return err
	}

	if len(refs) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(noNewWithdrawalsBackoff):
		}
		return nil
	}

	f.log.Debug("fetching finalization params", "count", len(refs))

	fetched, fetchErr := f.fetchParams(ctx, refs)

	alreadyFinalized, err := f.alreadyFinalizedKeys(ctx, fetched)
	if err != nil {
		return err
	}

	inserts := make([]storage.WithdrawalDataInsert, len(fetched))
	for i, fr := range fetched {
		inserts[i] = fr.insert
	}
	if err := f.storage.AddWithdrawalsData(ctx, inserts); err != nil {
		return err
	}
	if len(alreadyFinalized) > 0 {
		if err := f.storage.FinalizationDataSetFinalizedInTx(ctx, alreadyFinalized, eth.ZeroHash); err != nil {
			return err
		}
	}

	return fetchErr
}

// fetchedParams pairs a ready-to-insert FinalizationData with the
// withdrawal key it belongs to, so a later already-finalized check can
// still report which (tx_hash, event_index_in_tx) to update.
type fetchedParams struct {
	key    eth.WithdrawalKey
	insert storage.WithdrawalDataInsert
}

// fetchParams fans out finalize_withdrawal_params calls for every
// reference, bounded to fetchConcurrency in flight at once. A withdrawal
// whose params are not yet available is silently skipped (retried next
// iteration); a genuine RPC error is collected and logged but does not
// abort the other in-flight fetches (§4.E step 2, §7).
func (f *Fetcher) fetchParams(ctx context.Context, refs []storage.WithdrawalRef) ([]fetchedParams, error) {
	results := make([]fetchedParams, len(refs))
	found := make([]bool, len(refs))
	fetchErrs := make([]error, len(refs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			params, ok, err := f.l2.FinalizeWithdrawalParams(ctx, ref.Key.TxHash, ref.Key.EventIndex)
			if err != nil {
				f.log.Warn("failed to fetch withdrawal params", "err", err, "tx", ref.Key.TxHash, "event_index", ref.Key.EventIndex)
				fetchErrs[i] = err
				return nil
			}
			if !ok {
				return nil
			}
			results[i] = fetchedParams{
				key: ref.Key,
				insert: storage.WithdrawalDataInsert{
					WithdrawalID: ref.ID,
					Data: eth.FinalizationData{
						WithdrawalID:      ref.ID,
						L1BatchNumber:     params.L1BatchNumber,
						L2MessageIndex:    params.L2MessageIndex,
						L2TxNumberInBlock: params.L2TxNumberInBlock,
						Message:           params.Message,
						Sender:            params.Sender,
						Proof:             params.Proof,
					},
				},
			}
			found[i] = true
			return nil
		})
	}
	// g.Wait's error is always nil: every goroutine above returns nil and
	// records its failure in fetchErrs[i] instead (its own slot, never
	// shared), so one RPC error never cancels the rest of the fan-out.
	_ = g.Wait()

	var errs error
	fetched := results[:0:0]
	for i, ok := range found {
		if ok {
			fetched = append(fetched, results[i])
		}
		if fetchErrs[i] != nil {
			errs = hashmultierror.Append(errs, fetchErrs[i])
		}
	}
	return fetched, errs
}

// alreadyFinalizedKeys asks the finalizer contract whether any of the
// just-fetched withdrawals are already finalized (someone else finalized
// them, or a prior finalizer process crashed between submission and
// recording the result, §4.E step 3 / §9 ZeroHash sentinel).
func (f *Fetcher) alreadyFinalizedKeys(ctx context.Context, fetched []fetchedParams) ([]eth.WithdrawalKey, error) {
	if len(fetched) == 0 {
		return nil, nil
	}

	finalized := make([]bool, len(fetched))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, fr := range fetched {
		i, fr := i, fr
		g.Go(func() error {
			var (
				yes bool
				err error
			)
			if isEthSender(fr.insert.Data.Sender) {
				yes, err = f.finalizer.IsEthWithdrawalFinalized(ctx, fr.insert.Data.L1BatchNumber, fr.insert.Data.L2MessageIndex)
			} else {
				yes, err = f.finalizer.IsWithdrawalFinalized(ctx, fr.insert.Data.L1BatchNumber, fr.insert.Data.L2MessageIndex)
			}
			if err != nil {
				return err
			}
			finalized[i] = yes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var keys []eth.WithdrawalKey
	for i, yes := range finalized {
		if yes {
			keys = append(keys, fetched[i].key)
		}
	}
	return keys, nil
}

// isEthSender reports whether a withdrawal's sender is the L2 system
// contract used for native-ETH withdrawals rather than an ERC-20 bridge,
// which decides whether is_eth_withdrawal_finalized or
// is_withdrawal_finalized is the correct on-chain check (§4.E step 3).
func isEthSender(sender eth.Address) bool {
	return sender == sources.L2NativeTokenContract
}
