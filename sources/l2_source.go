package sources

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// Adaptive pagination parameters for the L2 source (§4.C). The step starts
// at initialPaginationStep and is ratcheted down by paginationDecreaseStep
// whenever the RPC rejects a range as too large; it is never restored
// (§9, intentional per the original design).
const (
	initialPaginationStep  = 10_000
	paginationDecreaseStep = 1_000
)

// L2Source tracks a dynamic set of L2 token addresses, discovers newly
// bridged tokens, and streams withdrawal/burn events (§4.C).
type L2Source struct {
	client   client.L2Read
	deployer common.Address
	l2Bridge common.Address
	tokens   map[common.Address]struct{}
	step     uint64
	limiter  *rate.Limiter
	log      log.Logger
}

// NewL2Source seeds the token set with the three well-known system
// addresses plus whatever tokens storage already knows about (§4.C
// "initially seeded with ... tokens recovered from storage").
func NewL2Source(c client.L2Read, l2Bridge common.Address, seedTokens []common.Address, l log.Logger) *L2Source {
	tokens := make(map[common.Address]struct{}, len(seedTokens)+4)
	tokens[L2NativeTokenAccount] = struct{}{}
	tokens[L2NativeTokenContract] = struct{}{}
	tokens[L2ContractDeployer] = struct{}{}
	for _, t := range seedTokens {
		tokens[t] = struct{}{}
	}
	return &L2Source{
		client:   c,
		deployer: L2ContractDeployer,
		l2Bridge: l2Bridge,
		tokens:   tokens,
		step:     initialPaginationStep,
		limiter:  newBackfillLimiter(),
		log:      l,
	}
}

// Run backfills and subscribes forever, reconnecting on any error and
// restarting the subscription whenever a new token is discovered so the
// filter covers it (§4.C). On every reconnect it emits the
// RestartedFromBlock sentinel so the watcher flushes its buffer (§4.D).
func (s *L2Source) Run(ctx context.Context, fromBlock, lastSeenTokenBlock uint64, out chan<- eth.L2Event) error {
	cursor := fromBlock
	tokenCursor := lastSeenTokenBlock

	for {
		nextCursor, nextTokenCursor, tooLarge, err := s.runOnce(ctx, cursor, tokenCursor, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if nextCursor > cursor {
			cursor = nextCursor
		}
		if nextTokenCursor > tokenCursor {
			tokenCursor = nextTokenCursor
		}

		if tooLarge {
			if s.step > paginationDecreaseStep {
				old := s.step
				s.step -= paginationDecreaseStep
				s.log.Debug("decreasing l2 pagination step", "old_step", old, "new_step", s.step)
			}
		} else if err != nil {
			s.log.Warn("l2 event source stream ended, reconnecting", "err", err, "from_block", cursor)
		}

		select {
		case out <- eth.L2Event{Kind: eth.L2EventRestartedFromBlock, RestartedFrom: cursor}:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *L2Source) runOnce(ctx context.Context, fromBlock, tokenCursor uint64, out chan<- eth.L2Event) (nextCursor, nextTokenCursor uint64, tooLarge bool, err error) {
	nextCursor, nextTokenCursor = fromBlock, tokenCursor

	if tokenCursor <= fromBlock {
		if err := s.discoverTokens(ctx, tokenCursor, fromBlock, out); err != nil {
			return nextCursor, nextTokenCursor, false, err
		}
		nextTokenCursor = fromBlock
	}

	latest, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nextCursor, nextTokenCursor, false, fmt.Errorf("sources: l2 block number: %w", err)
	}

	newToken, err := s.backfill(ctx, fromBlock, latest, out, &nextCursor)
	if err != nil {
		if isQueryTooLargeError(err) {
			return nextCursor, nextTokenCursor, true, err
		}
		return nextCursor, nextTokenCursor, false, err
	}
	if newToken {
		return nextCursor, nextCursor, false, nil
	}

	logsCh := make(chan types.Log, 1024)
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(latest),
		Addresses: s.addresses(),
		Topics:    [][]common.Hash{l2EventTopics},
	}
	sub, err := s.client.SubscribeFilterLogs(ctx, q, logsCh)
	if err != nil {
		return nextCursor, nextTokenCursor, false, fmt.Errorf("sources: l2 subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nextCursor, nextTokenCursor, false, ctx.Err()
		case e := <-sub.Err():
			return nextCursor, nextTokenCursor, false, fmt.Errorf("sources: l2 subscription: %w", e)
		case l := <-logsCh:
			nextCursor = l.BlockNumber
			added, err := s.processLog(ctx, l, out)
			if err != nil {
				s.log.Warn("failed to process l2 log", "err", err, "tx", l.TxHash)
				continue
			}
			if added {
				s.log.Info("restarting l2 subscription on new token", "block", l.BlockNumber)
				return nextCursor, nextCursor, false, nil
			}
		}
	}
}

// backfill pages [fromBlock, latest] in steps of s.step, processing every
// log. It returns early (newToken=true) the moment a new token is
// discovered, matching the original's "restart on new token" behavior.
func (s *L2Source) backfill(ctx context.Context, fromBlock, latest uint64, out chan<- eth.L2Event, cursor *uint64) (newToken bool, err error) {
	for start := fromBlock; start <= latest; start += s.step {
		end := start + s.step - 1
		if end > latest {
			end = latest
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}

		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: s.addresses(),
			Topics:    [][]common.Hash{l2EventTopics},
		}
		logs, err := s.client.FilterLogs(ctx, q)
		if err != nil {
			return false, fmt.Errorf("sources: l2 backfill [%d,%d]: %w", start, end, err)
		}

		for _, l := range logs {
			*cursor = l.BlockNumber
			added, err := s.processLog(ctx, l, out)
			if err != nil {
				s.log.Warn("failed to process l2 backfill log", "err", err, "tx", l.TxHash)
				continue
			}
			if added {
				return true, nil
			}
		}
	}
	return false, nil
}

// processLog decodes one log and emits the corresponding L2Event. added is
// true when a ContractDeployed log resolved to a genuinely new token,
// signaling the caller to restart its subscription.
func (s *L2Source) processLog(ctx context.Context, l types.Log, out chan<- eth.L2Event) (added bool, err error) {
	if len(l.Topics) == 0 {
		return false, nil
	}

	switch l.Topics[0] {
	case topicBridgeBurn, topicWithdrawal:
		event, ok := decodeWithdrawalLog(l)
		if !ok {
			return false, nil
		}
		return false, sendL2Event(ctx, out, event)

	case topicContractDeployed:
		token, ok, err := s.resolveBridgeInit(ctx, l.TxHash)
		if err != nil {
			return false, fmt.Errorf("resolve bridge init: %w", err)
		}
		if !ok {
			return false, nil
		}
		if _, exists := s.tokens[token.L2Address]; exists {
			return false, nil
		}
		s.tokens[token.L2Address] = struct{}{}
		if err := sendL2Event(ctx, out, eth.L2Event{Kind: eth.L2EventTokenInitialized, BlockNumber: token.L2BlockNumber, Token: token}); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, nil
	}
}

// discoverTokens queries ContractDeployed logs in [fromBlock, toBlock],
// filtered by deployer address and the L2 bridge as topic1 (§4.C step 1),
// and emits a token-init event for each one that resolves to a genuinely
// new token.
func (s *L2Source) discoverTokens(ctx context.Context, fromBlock, toBlock uint64, out chan<- eth.L2Event) error {
	if fromBlock > toBlock {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{s.deployer},
		Topics:    [][]common.Hash{{topicContractDeployed}, {common.BytesToHash(s.l2Bridge.Bytes())}},
	}
	logs, err := s.client.FilterLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("sources: discover tokens [%d,%d]: %w", fromBlock, toBlock, err)
	}

	for _, l := range logs {
		token, ok, err := s.resolveBridgeInit(ctx, l.TxHash)
		if err != nil {
			s.log.Warn("failed to resolve bridge init", "err", err, "tx", l.TxHash)
			continue
		}
		if !ok {
			continue
		}
		if _, exists := s.tokens[token.L2Address]; exists {
			continue
		}
		s.tokens[token.L2Address] = struct{}{}
		if err := sendL2Event(ctx, out, eth.L2Event{Kind: eth.L2EventTokenInitialized, BlockNumber: token.L2BlockNumber, Token: token}); err != nil {
			return err
		}
	}
	return nil
}

// resolveBridgeInit fetches txHash's receipt and scans its logs for a
// bridge-initialize signature (§4.C step 1), decoding the token registry
// entry it describes.
func (s *L2Source) resolveBridgeInit(ctx context.Context, txHash common.Hash) (eth.Token, bool, error) {
	receipt, err := s.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return eth.Token{}, false, fmt.Errorf("transaction receipt %s: %w", txHash, err)
	}

	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		if l.Topics[0] != topicBridgeInitialize && l.Topics[0] != topicBridgeInitialization {
			continue
		}
		token, ok := decodeBridgeInitLog(*l)
		if !ok {
			continue
		}
		return token, true, nil
	}
	return eth.Token{}, false, nil
}

func (s *L2Source) addresses() []common.Address {
	addrs := make([]common.Address, 0, len(s.tokens))
	for a := range s.tokens {
		addrs = append(addrs, a)
	}
	return addrs
}

// decodeWithdrawalLog decodes a BridgeBurn/Withdrawal log:
// two indexed addresses (l2 sender, l1 recipient) and a non-indexed amount.
func decodeWithdrawalLog(l types.Log) (eth.L2Event, bool) {
	if len(l.Topics) < 3 || len(l.Data) < 32 {
		return eth.L2Event{}, false
	}
	amount := new(big.Int).SetBytes(l.Data[len(l.Data)-32:])
	u, overflow := uint256FromBig(amount)
	if overflow {
		return eth.L2Event{}, false
	}
	return eth.L2Event{
		Kind:         eth.L2EventWithdrawal,
		BlockNumber:  l.BlockNumber,
		TxHash:       l.TxHash,
		TokenAddress: l.Address,
		Amount:       u,
		L1Recipient:  common.BytesToAddress(l.Topics[2].Bytes()),
	}, true
}

// bridgeInitDataArgs decodes the non-indexed tail of
// BridgeInitialize/BridgeInitialization(address,string,string,uint8):
// l1_token is the lone indexed topic, name/symbol/decimals are ABI-encoded
// into Data with name/symbol as dynamic-offset strings, matching
// l2_events.rs's typed filter decode.
var bridgeInitDataArgs = abi.Arguments{
	{Type: mustABIType("string")},
	{Type: mustABIType("string")},
	{Type: mustABIType("uint8")},
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("sources: invalid abi type " + t + ": " + err.Error())
	}
	return typ
}

// decodeBridgeInitLog decodes a BridgeInitialize/BridgeInitialization log:
// l1_token (indexed), name, symbol, decimals (non-indexed, ABI-encoded).
func decodeBridgeInitLog(l types.Log) (eth.Token, bool) {
	if len(l.Topics) < 2 {
		return eth.Token{}, false
	}
	unpacked, err := bridgeInitDataArgs.Unpack(l.Data)
	if err != nil || len(unpacked) != 3 {
		return eth.Token{}, false
	}
	name, ok := unpacked[0].(string)
	if !ok {
		return eth.Token{}, false
	}
	symbol, ok := unpacked[1].(string)
	if !ok {
		return eth.Token{}, false
	}
	decimals, ok := unpacked[2].(uint8)
	if !ok {
		return eth.Token{}, false
	}
	return eth.Token{
		L1Address:     common.BytesToAddress(l.Topics[1].Bytes()),
		L2Address:     l.Address,
		Name:          name,
		Symbol:        symbol,
		Decimals:      decimals,
		L2BlockNumber: l.BlockNumber,
		InitTxHash:    l.TxHash,
	}, true
}

func sendL2Event(ctx context.Context, out chan<- eth.L2Event, e eth.L2Event) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
