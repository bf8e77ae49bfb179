package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	ourEth "github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// L2Client adds the zkSync-style JSON-RPC extensions (§6) on top of an
// EthClient. It is the concrete L2Read implementation used by the params
// fetcher (§4.E) and the watcher's batch-range resolution (§4.D).
type L2Client struct {
	*EthClient
	log log.Logger
}

func NewL2Client(base *EthClient, l log.Logger) *L2Client {
	return &L2Client{EthClient: base, log: l}
}

func (c *L2Client) GetL1BatchBlockRange(ctx context.Context, batchNumber uint64) (ourEth.BlockRange, bool, error) {
	var result *[2]hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &result, "zks_getL1BatchBlockRange", hexutil.Uint64(batchNumber)); err != nil {
		return ourEth.BlockRange{}, false, fmt.Errorf("client: get l1 batch block range %d: %w", batchNumber, err)
	}
	if result == nil {
		return ourEth.BlockRange{}, false, nil
	}
	return ourEth.BlockRange{Begin: uint64(result[0]), End: uint64(result[1])}, true, nil
}

// finalizeWithdrawalParamsResult mirrors zks_getFinalizeWithdrawalParams's result:
// the proof, message, sender and index fields a withdrawal needs for
// finalization, or null if the node does not have them yet.
type finalizeWithdrawalParamsResult struct {
	L1BatchNumber     hexutil.Uint64 `json:"l1BatchNumber"`
	L2MessageIndex    hexutil.Uint64 `json:"l2MessageIndex"`
	L2TxNumberInBlock hexutil.Uint64 `json:"l2TxNumberInBlock"`
	Message           hexutil.Bytes  `json:"message"`
	Sender            common.Address `json:"sender"`
	Proof             []hexutil.Bytes `json:"proof"`
}

func (c *L2Client) FinalizeWithdrawalParams(ctx context.Context, txHash common.Hash, eventIndexInTx uint32) (L2WithdrawalParams, bool, error) {
	var result *finalizeWithdrawalParamsResult
	if err := c.rpc.CallContext(ctx, &result, "zks_getFinalizeWithdrawalParams", txHash, eventIndexInTx); err != nil {
		return L2WithdrawalParams{}, false, fmt.Errorf("client: finalize withdrawal params %s[%d]: %w", txHash, eventIndexInTx, err)
	}
	if result == nil {
		return L2WithdrawalParams{}, false, nil
	}
	proof := make([]byte, 0, len(result.Proof)*32)
	for _, p := range result.Proof {
		proof = append(proof, p...)
	}
	return L2WithdrawalParams{
		L1BatchNumber:     uint64(result.L1BatchNumber),
		L2MessageIndex:    uint64(result.L2MessageIndex),
		L2TxNumberInBlock: uint32(result.L2TxNumberInBlock),
		Message:           result.Message,
		Sender:            result.Sender,
		Proof:             proof,
	}, true, nil
}

// errOutOfFundsPrefix is the exact sentinel prefix named in §6/§7: an
// RPC error with code -32000 and a message starting with this string means
// "out of funds", not "this withdrawal is broken".
const errOutOfFundsPrefix = "gas required exceeds allowance "

// IsOutOfFundsError reports whether err is the -32000 out-of-funds
// sentinel (§7). It is matched by prefix, exactly as specified — not by
// substring — so unrelated gas errors are not silently swallowed.
func IsOutOfFundsError(err error) bool {
	type rpcError interface {
		Error() string
		ErrorCode() int
	}
	re, ok := err.(rpcError)
	if !ok {
		return false
	}
	return re.ErrorCode() == -32000 && strings.HasPrefix(re.Error(), errOutOfFundsPrefix)
}
