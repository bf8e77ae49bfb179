// Package accumulator implements the batching rule named in SPEC_FULL
// §4.F: the finalizer loop feeds candidate withdrawals into an
// Accumulator one at a time and asks it, after each addition, whether the
// batch is ready to submit.
package accumulator

import (
	"math/big"

	"golang.org/x/exp/slices"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
)

// Accumulator holds a growing batch of finalize requests and decides when
// it is full, under two independent caps: total gas and total fee (§4.F).
// Both caps are evaluated against the *current* gas price, fixed for the
// accumulator's lifetime so the decision stays monotone as withdrawals are
// added (§8 "ready_to_finalize is monotone": adding a withdrawal never
// makes a ready batch not-ready).
type Accumulator struct {
	gasPrice                  *big.Int
	txFeeLimit                *big.Int
	batchFinalizationGasLimit uint64
	oneWithdrawalGasLimit     uint64

	requests []client.FinalizeRequest
}

// New builds an Accumulator against a snapshot of the current gas price.
// Callers construct a fresh one for every batch (§4.G step 1): the gas
// price used to decide readiness should not drift mid-batch.
func New(gasPrice *big.Int, txFeeLimit *big.Int, batchFinalizationGasLimit, oneWithdrawalGasLimit uint64) *Accumulator {
	return &Accumulator{
		gasPrice:                  gasPrice,
		txFeeLimit:                txFeeLimit,
		batchFinalizationGasLimit: batchFinalizationGasLimit,
		oneWithdrawalGasLimit:     oneWithdrawalGasLimit,
	}
}

// Add appends a withdrawal to the batch.
func (a *Accumulator) Add(r client.FinalizeRequest) {
	a.requests = append(a.requests, r)
}

// Requests returns the withdrawals accumulated so far, for the dry-run
// prediction call (§4.G step 2a). The returned slice aliases internal
// state and must not be retained past the next Add/Take/RemoveUnsuccessful.
func (a *Accumulator) Requests() []client.FinalizeRequest {
	return a.requests
}

// CurrentGasUsage estimates the batch's total gas as a flat per-withdrawal
// limit times count (§4.F); the real cost is learned from the dry-run
// call, this is only used to decide when to stop accumulating.
func (a *Accumulator) CurrentGasUsage() uint64 {
	return a.oneWithdrawalGasLimit * uint64(len(a.requests))
}

// ReadyToFinalize reports whether the batch should be submitted now: it
// has hit the flat gas-limit cap, or its estimated fee (gas * gas price)
// has hit the fee-limit cap (§4.F, §8 "ready_to_finalize is monotone").
func (a *Accumulator) ReadyToFinalize() bool {
	gasUsage := a.CurrentGasUsage()
	if gasUsage >= a.batchFinalizationGasLimit {
		return true
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsage), a.gasPrice)
	return fee.Cmp(a.txFeeLimit) >= 0
}

// Take empties the accumulator and returns what it held.
func (a *Accumulator) Take() []client.FinalizeRequest {
	requests := a.requests
	a.requests = nil
	return requests
}

// RemoveUnsuccessful drops every request whose (l2_block_number,
// l2_message_index) key appears in results with Success=false or gas
// above the per-withdrawal limit, returning the removed requests so the
// caller can reconcile them separately (§4.G step 3).
func (a *Accumulator) RemoveUnsuccessful(results []client.DryRunResult) []client.FinalizeRequest {
	bad := make(map[[2]uint64]struct{}, len(results))
	for _, r := range results {
		if !r.Success || r.Gas > a.oneWithdrawalGasLimit {
			bad[[2]uint64{r.L2BlockNumber, r.L2MessageIndex}] = struct{}{}
		}
	}
	if len(bad) == 0 {
		return nil
	}

	var removed []client.FinalizeRequest
	a.requests = slices.DeleteFunc(a.requests, func(r client.FinalizeRequest) bool {
		b, m := r.Key()
		_, found := bad[[2]uint64{b, m}]
		if found {
			removed = append(removed, r)
		}
		return found
	})
	return removed
}
