// Package finalizer implements component G (§4.G): it drives the
// accumulator, predicts per-withdrawal success via a dry-run call,
// submits the batched finalization transaction, and reconciles whatever
// the dry-run flagged as unsuccessful against on-chain finalized status.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/matter-labs/zksync-withdrawal-finalizer/accumulator"
	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/sources"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

const (
	// noNewWithdrawalsBackoff is how long an empty select sleeps before
	// asking storage again (§4.G step 1).
	noNewWithdrawalsBackoff = 5 * time.Second

	// outOfFundsBackoffDefault is the cooldown after a "gas required
	// exceeds allowance" submission failure (§4.G step 2b, §7).
	outOfFundsBackoffDefault = 10 * time.Second

	// loopIterationErrorBackoff is how long a failed iteration sleeps
	// before retrying (§7).
	loopIterationErrorBackoff = 5 * time.Second

	// reconcileConcurrency bounds the parallel on-chain finalized checks
	// in processUnsuccessful (§4.G step 3).
	reconcileConcurrency = 16

	// outOfFundsErrorPrefix is matched against the RPC error message,
	// exactly as specified (§7); the error code must also be -32000.
	outOfFundsErrorPrefix = "gas required exceeds allowance "
	outOfFundsErrorCode   = -32000
)

// Meterer is the optional hook the standalone withdrawals meterer plugs
// into once a batch is actually finalized on L1, mirroring the second
// WithdrawalsMeter the original crate constructs inside its finalizer
// call site (as opposed to watcher.Meterer, which meters withdrawals as
// they are first observed). A nil Meterer disables this metering.
type Meterer interface {
	MeterWithdrawals(ctx context.Context, withdrawals []eth.Withdrawal)
}

// Finalizer is the stateless worker driving component G; the only
// cross-iteration state it carries is the dry-run-failed withdrawals
// still waiting to be reconciled (§4.G step 3).
type Finalizer struct {
	storage  storage.Storage
	l1       client.EthRead
	contract client.FinalizerContract
	meterer  Meterer
	log      log.Logger

	txFeeLimit                *big.Int
	batchFinalizationGasLimit uint64
	oneWithdrawalGasLimit     uint64
	queryDBPaginationLimit    int

	// outOfFundsBackoff defaults to the §7 constant; tests override it to
	// avoid a real 10s sleep.
	outOfFundsBackoff time.Duration

	unsuccessful []client.FinalizeRequest
}

func New(
	store storage.Storage,
	l1 client.EthRead,
	contract client.FinalizerContract,
	meterer Meterer,
	txFeeLimit *big.Int,
	batchFinalizationGasLimit, oneWithdrawalGasLimit uint64,
	queryDBPaginationLimit int,
	l log.Logger,
) *Finalizer {
	return &Finalizer{
		storage:                   store,
		l1:                        l1,
		contract:                  contract,
		meterer:                   meterer,
		log:                       l,
		txFeeLimit:                txFeeLimit,
		batchFinalizationGasLimit: batchFinalizationGasLimit,
		oneWithdrawalGasLimit:     oneWithdrawalGasLimit,
		queryDBPaginationLimit:    queryDBPaginationLimit,
		outOfFundsBackoff:         outOfFundsBackoffDefault,
	}
}

// Run loops forever, sleeping loopIterationErrorBackoff after a failed
// iteration (§7, mirroring paramsfetcher.Fetcher.Run).
func (f *Finalizer) Run(ctx context.Context) error {
	for {
		if err := f.loopIteration(ctx); err != nil {
			f.log.Error("finalizer iteration failed", "err", err)
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

func (f *Finalizer) loopIteration(ctx context.Context) error {
	candidates, err := f.storage.WithdrawalsToFinalize(ctx, f.queryDBPaginationLimit)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(noNewWithdrawalsBackoff):
		}
		return nil
	}

	f.log.Debug("trying to finalize withdrawals", "count", len(candidates))

	acc, err := f.newAccumulator(ctx)
	if err != nil {
		return err
	}

	for i, c := range candidates {
		acc.Add(c)
		last := i == len(candidates)-1

		if acc.ReadyToFinalize() || last {
			predicted, err := f.contract.DryRunFinalizeWithdrawals(ctx, acc.Requests())
			if err != nil {
				return fmt.Errorf("dry run finalize withdrawals: %w", err)
			}
			f.log.Debug("predicted results for withdrawals", "count", len(predicted))

			if removed := acc.RemoveUnsuccessful(predicted); len(removed) > 0 {
				f.unsuccessful = append(f.unsuccessful, removed...)
			}
		}

		if acc.ReadyToFinalize() || last {
			batch := acc.Take()
			if err := f.finalizeBatch(ctx, batch); err != nil {
				return fmt.Errorf("finalize batch: %w", err)
			}
			if acc, err = f.newAccumulator(ctx); err != nil {
				return err
			}
		}
	}

	return f.processUnsuccessful(ctx)
}

// newAccumulator reads a fresh gas price from the node for every new
// accumulator, as required by §4.F ("a fresh gas price is read from the
// node each time a new accumulator is created").
func (f *Finalizer) newAccumulator(ctx context.Context) (*accumulator.Accumulator, error) {
	gasPrice, err := f.l1.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return accumulator.New(gasPrice, f.txFeeLimit, f.batchFinalizationGasLimit, f.oneWithdrawalGasLimit), nil
}

// finalizeBatch submits a non-empty batch and reconciles the outcome
// (§4.G step 2b). FinalizeWithdrawals is expected to retry internally
// with bumped fees until mined or ctx is canceled (§4.H); an error here
// means submission itself failed, not merely "not yet mined".
func (f *Finalizer) finalizeBatch(ctx context.Context, batch []client.FinalizeRequest) error {
	if len(batch) == 0 {
		return nil
	}

	highestBatchNumber := batch[0].Data.L1BatchNumber
	keys := make([]eth.WithdrawalKey, len(batch))
	for i, r := range batch {
		keys[i] = r.Withdrawal.Key()
		if r.Data.L1BatchNumber > highestBatchNumber {
			highestBatchNumber = r.Data.L1BatchNumber
		}
	}

	f.log.Info("finalizing batch", "size", len(batch))

	txHash, err := f.contract.FinalizeWithdrawals(ctx, batch)
	if err == nil {
		f.log.Info("withdrawal transaction mined", "tx_hash", txHash, "highest_batch_number", highestBatchNumber)
		if f.meterer != nil {
			withdrawals := make([]eth.Withdrawal, len(batch))
			for i, r := range batch {
				withdrawals[i] = r.Withdrawal
			}
			f.meterer.MeterWithdrawals(ctx, withdrawals)
		}
		return f.storage.FinalizationDataSetFinalizedInTx(ctx, keys, txHash)
	}

	if isOutOfFundsError(err) {
		f.log.Error("out of funds submitting finalization transaction", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.outOfFundsBackoff):
		}
		return nil
	}

	f.log.Error("failed to finalize withdrawal batch", "err", err)
	return f.storage.IncUnsuccessfulFinalizationAttempts(ctx, keys)
}

// processUnsuccessful reconciles every withdrawal the dry-run flagged
// this iteration: some may already be finalized (someone else beat this
// process to it, or finalization_tx recording was interrupted, §9
// ZeroHash sentinel), the rest genuinely failed and get their attempt
// counter bumped (§4.G step 3).
func (f *Finalizer) processUnsuccessful(ctx context.Context) error {
	if len(f.unsuccessful) == 0 {
		return nil
	}
	predicted := f.unsuccessful
	f.unsuccessful = nil

	f.log.Debug("reconciling unsuccessful withdrawals", "count", len(predicted))

	finalized := make([]bool, len(predicted))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)

	for i, r := range predicted {
		i, r := i, r
		g.Go(func() error {
			var (
				yes bool
				err error
			)
			if isEthSender(r.Data.Sender) {
				yes, err = f.contract.IsEthWithdrawalFinalized(ctx, r.Data.L1BatchNumber, r.Data.L2MessageIndex)
			} else {
				yes, err = f.contract.IsWithdrawalFinalized(ctx, r.Data.L1BatchNumber, r.Data.L2MessageIndex)
			}
			if err != nil {
				return err
			}
			finalized[i] = yes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var alreadyFinalized, stillUnsuccessful []eth.WithdrawalKey
	for i, r := range predicted {
		key := r.Withdrawal.Key()
		if finalized[i] {
			alreadyFinalized = append(alreadyFinalized, key)
		} else {
			stillUnsuccessful = append(stillUnsuccessful, key)
		}
	}

	f.log.Debug("reconciled unsuccessful withdrawals", "already_finalized", len(alreadyFinalized), "still_unsuccessful", len(stillUnsuccessful))

	if len(stillUnsuccessful) > 0 {
		if err := f.storage.IncUnsuccessfulFinalizationAttempts(ctx, stillUnsuccessful); err != nil {
			return err
		}
	}
	if len(alreadyFinalized) > 0 {
		if err := f.storage.FinalizationDataSetFinalizedInTx(ctx, alreadyFinalized, eth.ZeroHash); err != nil {
			return err
		}
	}
	return nil
}

// isEthSender mirrors paramsfetcher.isEthSender (§4.E step 3): both
// packages independently need to pick between the native-ETH and ERC-20
// on-chain finalized checks, exactly as the original split client::is_eth
// across the finalizer and params-fetcher crates.
func isEthSender(sender eth.Address) bool {
	return sender == sources.L2NativeTokenContract
}

// rpcError is the subset of go-ethereum's rpc.jsonError that identifies a
// JSON-RPC error response by its numeric code and message.
type rpcError interface {
	Error() string
	ErrorCode() int
}

// isOutOfFundsError reports whether err is the exact RPC error sentinel
// named in §7: code -32000 with a message starting "gas required exceeds
// allowance ".
func isOutOfFundsError(err error) bool {
	var rpcErr rpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.ErrorCode() == outOfFundsErrorCode && strings.HasPrefix(rpcErr.Error(), outOfFundsErrorPrefix)
}
