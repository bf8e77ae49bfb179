package client

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client/caching"
)

// Config bounds the header cache instead of leaving it unbounded and sets
// the timeout for dialing the node.
type Config struct {
	HeaderCacheSize int
	DialTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{HeaderCacheSize: 256, DialTimeout: 10 * time.Second}
}

// EthClient wraps an ethclient.Client + the underlying rpc.Client with
// logging and an LRU header cache. A single EthClient satisfies EthRead;
// WithSigner upgrades it to EthSign.
type EthClient struct {
	rpc *rpc.Client
	eth *ethclient.Client
	log log.Logger

	headerCache *caching.LRUCache[uint64, *types.Header]

	from   common.Address
	signer bind.SignerFn
}

// Dial connects to a websocket or HTTP RPC endpoint. Reconnection is
// handled by the caller (§4.C "we drive reconnection") — Dial itself does
// not retry.
func Dial(ctx context.Context, url string, cfg Config, l log.Logger) (*EthClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	rc, err := rpc.DialContext(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	return &EthClient{
		rpc:         rc,
		eth:         ethclient.NewClient(rc),
		log:         l,
		headerCache: caching.NewLRUCache[uint64, *types.Header](nil, "headers", max(cfg.HeaderCacheSize, 1)),
	}, nil
}

// WithSigner attaches a signing identity, upgrading read-only use to
// EthSign. Construction mirrors the kroma txmgr CLI's signerFactory(chainID)
// pattern (reference, see DESIGN.md).
func (c *EthClient) WithSigner(from common.Address, signer bind.SignerFn) *EthClient {
	cp := *c
	cp.from = from
	cp.signer = signer
	return &cp
}

func (c *EthClient) RawClient() *rpc.Client { return c.rpc }

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("client: block number: %w", err)
	}
	return n, nil
}

func (c *EthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if number != nil && number.IsUint64() {
		if h, ok := c.headerCache.Get(number.Uint64()); ok {
			return h, nil
		}
	}
	h, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		// geth and erigon both serve non-standard "not found" errors for
		// safe/finalized heads before anything is marked as such; normalize
		// both spellings to the standard ethereum.NotFound sentinel.
		if strings.Contains(err.Error(), "block not found") || strings.Contains(err.Error(), "Unknown block") {
			return nil, ethereum.NotFound
		}
		return nil, fmt.Errorf("client: header by number %v: %w", number, err)
	}
	if h.Number != nil && h.Number.IsUint64() {
		c.headerCache.Add(h.Number.Uint64(), h)
	}
	return h, nil
}

func (c *EthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("client: filter logs %v: %w", q, err)
	}
	return logs, nil
}

func (c *EthClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, fmt.Errorf("client: subscribe logs %v: %w", q, err)
	}
	return sub, nil
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("client: receipt %s: %w", txHash, err)
	}
	return r, nil
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: chain id: %w", err)
	}
	return id, nil
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: suggest gas price: %w", err)
	}
	return p, nil
}

func (c *EthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	p, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: suggest gas tip cap: %w", err)
	}
	return p, nil
}

func (c *EthClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	n, err := c.eth.NonceAt(ctx, account, blockNumber)
	if err != nil {
		return 0, fmt.Errorf("client: nonce at %s: %w", account, err)
	}
	return n, nil
}

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("client: pending nonce at %s: %w", account, err)
	}
	return n, nil
}

func (c *EthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("client: call contract: %w", err)
	}
	return out, nil
}

func (c *EthClient) From() common.Address { return c.from }
func (c *EthClient) Signer() bind.SignerFn { return c.signer }

func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("client: send transaction %s: %w", tx.Hash(), err)
	}
	return nil
}

var _ EthRead = (*EthClient)(nil)
var _ EthSign = (*EthClient)(nil)
