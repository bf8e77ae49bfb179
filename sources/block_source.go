// Package sources implements the L1 and L2 event sources (§4.B/§4.C): they
// subscribe to an upstream RPC, backfill historical logs on startup, decode
// the rollup's lifecycle and withdrawal logs, and emit typed events on a
// channel. They own nothing durable; the watcher (package watcher) is the
// only consumer and is responsible for persisting progress.
package sources

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// DefaultBlockPageSize is the historical query page size for the L1 source
// (§4.B: "page size 256 is a sensible default").
const DefaultBlockPageSize = 256

// BlockSource streams BlockEvent values decoded from the rollup contract's
// BlockCommit/BlocksVerification/BlockExecution/BlocksRevert logs (§4.B).
type BlockSource struct {
	client   client.EthRead
	contract common.Address
	pageSize uint64
	limiter  *rate.Limiter
	log      log.Logger
}

func NewBlockSource(c client.EthRead, contract common.Address, l log.Logger) *BlockSource {
	return &BlockSource{client: c, contract: contract, pageSize: DefaultBlockPageSize, limiter: newBackfillLimiter(), log: l}
}

// Run backfills from fromBlock to the current head, then subscribes live,
// emitting every decoded event on out. It reconnects forever on error,
// resuming from the last block it observed, until ctx is canceled (§4.B
// "Reconnection").
func (s *BlockSource) Run(ctx context.Context, fromBlock uint64, out chan<- eth.BlockEvent) error {
	cursor := fromBlock
	for {
		next, err := s.runOnce(ctx, cursor, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if next > cursor {
			cursor = next
		}
		if err != nil {
			s.log.Warn("l1 block source stream ended, reconnecting", "err", err, "from_block", cursor)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *BlockSource) runOnce(ctx context.Context, fromBlock uint64, out chan<- eth.BlockEvent) (uint64, error) {
	latest, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fromBlock, fmt.Errorf("sources: l1 block number: %w", err)
	}

	cursor := fromBlock
	if latest >= fromBlock {
		if err := s.backfill(ctx, fromBlock, latest, out, &cursor); err != nil {
			return cursor, err
		}
	}

	logsCh := make(chan types.Log, 1024)
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(latest),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{blockEventTopics},
	}
	sub, err := s.client.SubscribeFilterLogs(ctx, q, logsCh)
	if err != nil {
		return cursor, fmt.Errorf("sources: l1 subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return cursor, ctx.Err()
		case err := <-sub.Err():
			return cursor, fmt.Errorf("sources: l1 subscription: %w", err)
		case l := <-logsCh:
			event, ok, err := decodeBlockLog(l)
			if err != nil {
				s.log.Warn("failed to decode l1 log", "err", err, "tx", l.TxHash)
				continue
			}
			if !ok {
				continue
			}
			cursor = l.BlockNumber
			select {
			case out <- event:
			case <-ctx.Done():
				return cursor, ctx.Err()
			}
		}
	}
}

// backfill pages [fromBlock, latest] in fixed steps of s.pageSize, decoding
// and forwarding every log, updating *cursor as it goes.
func (s *BlockSource) backfill(ctx context.Context, fromBlock, latest uint64, out chan<- eth.BlockEvent, cursor *uint64) error {
	for start := fromBlock; start <= latest; start += s.pageSize {
		end := start + s.pageSize - 1
		if end > latest {
			end = latest
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{s.contract},
			Topics:    [][]common.Hash{blockEventTopics},
		}
		logs, err := s.client.FilterLogs(ctx, q)
		if err != nil {
			return fmt.Errorf("sources: l1 backfill [%d,%d]: %w", start, end, err)
		}

		for _, l := range logs {
			event, ok, err := decodeBlockLog(l)
			if err != nil {
				s.log.Warn("failed to decode l1 backfill log", "err", err, "tx", l.TxHash)
				continue
			}
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		*cursor = end
	}
	return nil
}

// decodeBlockLog decodes a single log into a BlockEvent, switching on
// topic0. ok is false for any log whose topic0 is not one of the four
// known signatures (should not happen given the subscription filter, but
// cheap to guard).
func decodeBlockLog(l types.Log) (eth.BlockEvent, bool, error) {
	if len(l.Topics) == 0 {
		return eth.BlockEvent{}, false, fmt.Errorf("log has no topics")
	}

	base := eth.BlockEvent{L1Block: l.BlockNumber, L1TxHash: l.TxHash}

	switch l.Topics[0] {
	case topicBlockCommit:
		if len(l.Topics) < 2 {
			return eth.BlockEvent{}, false, fmt.Errorf("BlockCommit: missing indexed batch number")
		}
		base.Kind = eth.BlockEventCommit
		base.BatchNumber = l.Topics[1].Big().Uint64()
		return base, true, nil

	case topicBlockExecution:
		if len(l.Topics) < 2 {
			return eth.BlockEvent{}, false, fmt.Errorf("BlockExecution: missing indexed batch number")
		}
		base.Kind = eth.BlockEventExecution
		base.BatchNumber = l.Topics[1].Big().Uint64()
		return base, true, nil

	case topicBlocksVerification:
		if len(l.Topics) < 3 {
			return eth.BlockEvent{}, false, fmt.Errorf("BlocksVerification: missing indexed batch numbers")
		}
		base.Kind = eth.BlockEventVerification
		base.PreviousLastVerifiedBatch = l.Topics[1].Big().Uint64()
		base.CurrentLastVerifiedBatch = l.Topics[2].Big().Uint64()
		return base, true, nil

	case topicBlocksRevert:
		base.Kind = eth.BlockEventRevert
		if len(l.Topics) >= 2 {
			base.RevertedBatchNumber = l.Topics[1].Big().Uint64()
		} else if len(l.Data) >= 32 {
			base.RevertedBatchNumber = new(big.Int).SetBytes(l.Data[:32]).Uint64()
		}
		return base, true, nil

	default:
		return eth.BlockEvent{}, false, nil
	}
}
