// Package txmgr implements the fee-bumping sender named in SPEC_FULL
// §4.H: it fills a candidate call into a type-appropriate transaction
// (legacy/EIP-2930 gas price or EIP-1559 fee cap/tip cap), submits it,
// waits up to a configured timeout for it to be mined, and on timeout
// bumps fees by a fixed percentage and resubmits at the same nonce.
package txmgr

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
)

// retryBumpFeesPercent is the flat percentage applied to the gas price
// (legacy/EIP-2930) or priority fee (EIP-1559) on every resubmit (§4.H).
const retryBumpFeesPercent = 15

// receiptPollInterval is how often Send polls for a mined receipt while
// waiting out a submission's retry window.
const receiptPollInterval = 2 * time.Second

// errTimedOut is returned internally by waitMined to distinguish "not yet
// mined, bump and resubmit" from every other error, which aborts the send.
type errTimedOut struct{ txHash common.Hash }

func (e errTimedOut) Error() string { return fmt.Sprintf("txmgr: %s not mined in time", e.txHash) }

// Candidate is an unsigned call: the contract address, its calldata, and
// a gas limit already accounted for by the caller (e.g. the finalizer's
// dry-run estimate, §4.G step 2a).
type Candidate struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
}

// Sender submits Candidates through a signing-capable client, retrying
// with bumped fees until mined or ctx is canceled.
type Sender struct {
	client client.EthSign
	log    log.Logger
}

func New(c client.EthSign, l log.Logger) *Sender {
	return &Sender{client: c, log: l}
}

// Send fills, signs, and submits candidate, retrying at the same nonce
// with RETRY_BUMP_FEES_PERCENT-higher fees every time retryTimeout elapses
// without a receipt (§4.H). It returns once the transaction is mined or
// ctx is canceled.
func (s *Sender) Send(ctx context.Context, candidate Candidate, retryTimeout time.Duration) (*types.Receipt, error) {
	submissionID := uuid.New()

	nonce, err := s.client.PendingNonceAt(ctx, s.client.From())
	if err != nil {
		return nil, fmt.Errorf("txmgr: pending nonce: %w", err)
	}

	tx, err := s.buildTx(ctx, candidate, nonce)
	if err != nil {
		return nil, fmt.Errorf("txmgr: build tx: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			tx, err = s.bumpFees(ctx, tx)
			if err != nil {
				return nil, fmt.Errorf("txmgr: bump fees: %w", err)
			}
		}

		signed, err := s.client.Signer()(s.client.From(), tx)
		if err != nil {
			return nil, fmt.Errorf("txmgr: sign: %w", err)
		}

		if err := s.client.SendTransaction(ctx, signed); err != nil {
			return nil, fmt.Errorf("txmgr: send: %w", err)
		}
		s.log.Info("submitted finalization transaction",
			"submission_id", submissionID, "tx_hash", signed.Hash(), "attempt", attempt, "nonce", nonce)

		receipt, err := s.waitMined(ctx, signed.Hash(), retryTimeout)
		if err == nil {
			return receipt, nil
		}
		if _, timedOut := err.(errTimedOut); timedOut {
			s.log.Info("waiting for mined transaction timed out, bumping fees", "submission_id", submissionID, "tx_hash", signed.Hash())
			continue
		}
		return nil, err
	}
}

// waitMined polls for a receipt every receiptPollInterval until one
// appears, retryTimeout elapses, or ctx is canceled.
func (s *Sender) waitMined(ctx context.Context, txHash common.Hash, retryTimeout time.Duration) (*types.Receipt, error) {
	deadline := time.Now().Add(retryTimeout)
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, errTimedOut{txHash: txHash}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// buildTx fills a type-appropriate unsigned transaction: EIP-1559 if the
// chain's latest header carries a base fee, legacy otherwise (§4.H).
func (s *Sender) buildTx(ctx context.Context, c Candidate, nonce uint64) (*types.Transaction, error) {
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	if header.BaseFee != nil {
		tipCap, err := s.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas tip cap: %w", err)
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tipCap)
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       c.GasLimit,
			To:        &c.To,
			Value:     new(big.Int),
			Data:      c.Data,
		}), nil
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.GasLimit,
		To:       &c.To,
		Value:    new(big.Int),
		Data:     c.Data,
	}), nil
}

// bumpFees rebuilds tx with the same nonce/recipient/data/gas limit but
// fees raised by retryBumpFeesPercent, following the type-specific rule
// in §4.H: legacy/EIP-2930 bump gas_price flat; EIP-1559 bumps the
// priority fee, then raises the fee cap by at least that same bump and at
// least enough to clear the current base fee plus the new priority fee.
func (s *Sender) bumpFees(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	switch tx.Type() {
	case types.DynamicFeeTxType:
		header, err := s.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("latest header: %w", err)
		}
		bump := incPercent(tx.GasTipCap(), retryBumpFeesPercent)
		newTip := new(big.Int).Add(tx.GasTipCap(), bump)
		newFeeCap := new(big.Int).Add(tx.GasFeeCap(), bump)
		if header.BaseFee != nil {
			floor := new(big.Int).Add(header.BaseFee, newTip)
			if floor.Cmp(newFeeCap) > 0 {
				newFeeCap = floor
			}
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   tx.ChainId(),
			Nonce:     tx.Nonce(),
			GasTipCap: newTip,
			GasFeeCap: newFeeCap,
			Gas:       tx.Gas(),
			To:        tx.To(),
			Value:     tx.Value(),
			Data:      tx.Data(),
		}), nil

	default:
		// Legacy and EIP-2930 transactions both carry gas_price and bump the
		// same way (§4.H); buildTx never produces an EIP-2930 candidate, so
		// rebuilding as Legacy here is not a behavior change in practice.
		newPrice := new(big.Int).Add(tx.GasPrice(), incPercent(tx.GasPrice(), retryBumpFeesPercent))
		return types.NewTx(&types.LegacyTx{
			Nonce:    tx.Nonce(),
			GasPrice: newPrice,
			Gas:      tx.Gas(),
			To:       tx.To(),
			Value:    tx.Value(),
			Data:     tx.Data(),
		}), nil
	}
}

func incPercent(num *big.Int, percent int64) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(num, big.NewInt(percent)), big.NewInt(100))
}
